package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rrfunde/fishaudio-livekit/fishaudio"
	"github.com/rrfunde/fishaudio-livekit/internal/config"
	"github.com/rrfunde/fishaudio-livekit/internal/gateway"
	"github.com/rrfunde/fishaudio-livekit/internal/observability"
	"github.com/rrfunde/fishaudio-livekit/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before the logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("backend", cfg.FishBackend).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Fish Audio gateway starting")

	synth, err := fishaudio.New(
		fishaudio.WithAPIKey(cfg.FishAPIKey),
		fishaudio.WithFadeDuration(time.Duration(cfg.FadeDurationMs)*time.Millisecond),
		fishaudio.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to construct synthesizer")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/speak", gateway.HandleSpeakWS(cfg, synth))
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	providerCheck := func(ctx context.Context) (bool, error) {
		// Validates credential and options without spending API quota;
		// OpenStream makes no network call.
		stream, err := synth.OpenStream(ctx, tts.StreamOptions{
			Backend:     cfg.FishBackend,
			ChunkLength: cfg.FishChunkLength,
			Voice: tts.VoiceOptions{
				ReferenceID: cfg.FishReferenceID,
				SampleRate:  cfg.FishSampleRate,
				Latency:     cfg.FishLatency,
			},
		})
		if err != nil {
			return false, err
		}
		stream.Close()
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"fishaudio": providerCheck,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/speak", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
