// Package fishaudio adapts the Fish Audio streaming speech-synthesis API to
// the host framework's TTS plugin contract (package tts). One WebSocket
// connection is held per synthesis stream, dialed lazily on first Flush.
package fishaudio

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/rrfunde/fishaudio-livekit/internal/observability"
	"github.com/rrfunde/fishaudio-livekit/tts"
)

const (
	// DefaultEndpoint is the Fish Audio realtime synthesis endpoint.
	DefaultEndpoint = "wss://api.fish.audio/v1/tts/live"

	// DefaultBackend is used when StreamOptions.Backend is empty.
	DefaultBackend = "s1-mini"

	// DefaultFadeDuration softens the first frames of every stream to
	// avoid the audible pop at the start of a turn.
	DefaultFadeDuration = 220 * time.Millisecond

	defaultSampleRate = 44100
	numChannels       = 1

	minChunkLength = 100
	maxChunkLength = 300
)

// backends lists the provider model identifiers accepted for
// StreamOptions.Backend.
var backends = map[string]bool{
	"speech-1.5": true,
	"speech-1.6": true,
	"s1":         true,
	"s1-mini":    true,
	"agent-x0":   true,
}

// latencyModes lists the accepted values for VoiceOptions.Latency.
var latencyModes = map[string]bool{
	"normal":   true,
	"balanced": true,
}

// Synthesizer implements tts.SpeechSynthesizer against the Fish Audio API.
// It is safe for concurrent use; each OpenStream call returns an
// independently owned stream.
type Synthesizer struct {
	apiKey   string
	endpoint string
	fade     time.Duration
	dial     dialFunc
	logger   zerolog.Logger
}

// Option customizes a Synthesizer.
type Option func(*Synthesizer)

// WithAPIKey overrides the FISH_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(s *Synthesizer) { s.apiKey = key }
}

// WithEndpoint overrides the provider endpoint (useful for tests and
// regional deployments).
func WithEndpoint(url string) Option {
	return func(s *Synthesizer) { s.endpoint = url }
}

// WithFadeDuration sets how much of each stream's leading audio is ramped
// in. Zero disables the fade entirely.
func WithFadeDuration(d time.Duration) Option {
	return func(s *Synthesizer) { s.fade = d }
}

// WithLogger attaches a logger for per-stream diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Synthesizer) { s.logger = logger }
}

// withDialer injects the provider dialer. Tests swap in a fake provider.
func withDialer(dial dialFunc) Option {
	return func(s *Synthesizer) { s.dial = dial }
}

// New constructs a Synthesizer. The bearer credential is read once here,
// from FISH_API_KEY unless WithAPIKey is given; a missing credential is a
// ConfigurationError at construction, before any network activity.
func New(opts ...Option) (*Synthesizer, error) {
	s := &Synthesizer{
		endpoint: DefaultEndpoint,
		fade:     DefaultFadeDuration,
		dial:     dialWebSocket,
		logger:   observability.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKey == "" {
		s.apiKey = os.Getenv("FISH_API_KEY")
	}
	if s.apiKey == "" {
		return nil, &tts.ConfigurationError{Field: "api_key", Reason: "FISH_API_KEY is not set"}
	}
	return s, nil
}

// OpenStream validates the options and returns a new synthesis stream.
// No network call is made here; the connection is dialed on first Flush.
func (s *Synthesizer) OpenStream(ctx context.Context, opts tts.StreamOptions) (tts.SynthesisStream, error) {
	if opts.Backend == "" {
		opts.Backend = DefaultBackend
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if opts.Voice.SampleRate == 0 {
		opts.Voice.SampleRate = defaultSampleRate
	}
	return newStream(ctx, s, opts), nil
}

// Synthesize is the one-shot path: it opens a stream, submits text as a
// single synthesis unit, closes the input side, and returns the stream for
// the caller to drain with NextFrame and Close. Draining reaches
// tts.ErrEndOfStream on its own; further PushText or Flush calls return
// tts.ErrSessionClosed.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.StreamOptions) (tts.SynthesisStream, error) {
	st, err := s.OpenStream(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := st.PushText(text); err != nil {
		st.Close()
		return nil, err
	}
	if err := st.Flush(); err != nil {
		st.Close()
		return nil, err
	}
	// The provider only sends finish after the client's stop, so a
	// single-unit session must end its input here or the drain would
	// suspend until Close.
	st.(*stream).endInput()
	return st, nil
}

func validateOptions(opts tts.StreamOptions) error {
	if !backends[opts.Backend] {
		return &tts.ConfigurationError{Field: "backend", Reason: "unknown backend " + opts.Backend}
	}
	if opts.ChunkLength != 0 && (opts.ChunkLength < minChunkLength || opts.ChunkLength > maxChunkLength) {
		return &tts.ConfigurationError{Field: "chunk_length", Reason: "must be between 100 and 300"}
	}
	v := opts.Voice
	if v.Speed != 0 && (v.Speed < 0.5 || v.Speed > 2.0) {
		return &tts.ConfigurationError{Field: "voice.speed", Reason: "must be between 0.5 and 2.0"}
	}
	if v.Temperature < 0 || v.Temperature > 1.0 {
		return &tts.ConfigurationError{Field: "voice.temperature", Reason: "must be between 0.0 and 1.0"}
	}
	if v.TopP < 0 || v.TopP > 1.0 {
		return &tts.ConfigurationError{Field: "voice.top_p", Reason: "must be between 0.0 and 1.0"}
	}
	if v.SampleRate != 0 && v.SampleRate < 8000 {
		return &tts.ConfigurationError{Field: "voice.sample_rate", Reason: "must be at least 8000"}
	}
	if v.Latency != "" && !latencyModes[v.Latency] {
		return &tts.ConfigurationError{Field: "voice.latency", Reason: "must be \"normal\" or \"balanced\""}
	}
	return nil
}

// header builds the upgrade headers for a stream: bearer auth plus the
// model header the provider uses to route to a backend.
func (s *Synthesizer) header(backend string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.apiKey)
	h.Set("model", backend)
	return h
}
