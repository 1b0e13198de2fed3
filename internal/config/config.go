package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the Fish Audio plugin and the demo
// gateway service.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Fish Audio API configuration
	FishAPIKey      string `envconfig:"FISH_API_KEY" required:"true"`
	FishBackend     string `envconfig:"FISH_BACKEND" default:"s1-mini"`   // speech-1.5, speech-1.6, s1, s1-mini, agent-x0
	FishReferenceID string `envconfig:"FISH_REFERENCE_ID" default:""`     // Custom voice reference; empty uses the default voice
	FishSampleRate  int    `envconfig:"FISH_SAMPLE_RATE" default:"44100"` // Output sample rate in Hz
	FishChunkLength int    `envconfig:"FISH_CHUNK_LENGTH" default:"200"`  // Provider chunking hint (100-300)
	FishLatency     string `envconfig:"FISH_LATENCY" default:"normal"`    // normal or balanced

	// Audio processing configuration
	FadeDurationMs  int `envconfig:"FADE_DURATION_MS" default:"220"`    // Fade-in window for the first frames; 0 disables
	AudioBufferSize int `envconfig:"AUDIO_BUFFER_SIZE" default:"65536"` // Playback ring buffer size in bytes

	// Retry configuration for re-opening sessions after provider failures.
	// The adapter itself never retries; these apply at the gateway layer.
	RetryMaxAttempts    int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"` // debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from the environment, first merging a .env file
// when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without touching .env (the containerized path).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.FishAPIKey == "" {
		return nil, fmt.Errorf("FISH_API_KEY is required")
	}

	return &cfg, nil
}
