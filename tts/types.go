// Package tts defines the text-to-speech plugin contract expected by the
// voice-agent host framework. A provider adapter implements SpeechSynthesizer
// and hands out one SynthesisStream per utterance.
package tts

import (
	"context"
	"time"
)

// AudioFrame is one unit of decoded audio handed to the caller.
// Frames within a stream are strictly ordered; Sequence starts at 0 and
// increases monotonically with no gaps or duplicates.
type AudioFrame struct {
	Data       []byte    // Raw audio payload (pcm_s16le for Fish Audio)
	SampleRate int       // Sample rate in Hz
	Channels   int       // Number of channels (1 for mono)
	Sequence   uint64    // Position of this frame within the stream
	Timestamp  time.Time // When the adapter received the underlying chunk
}

// StreamOptions selects the provider backend and voice parameters for one
// synthesis stream. Zero values fall back to provider defaults.
type StreamOptions struct {
	// Backend is the provider model identifier (e.g. "s1-mini").
	Backend string

	// ChunkLength hints how much text the provider should synthesize per
	// emitted audio chunk. Passed through unmodified; the adapter never
	// re-chunks audio itself.
	ChunkLength int

	Voice VoiceOptions
}

// VoiceOptions are the provider voice parameters for a stream.
type VoiceOptions struct {
	// ReferenceID selects a cloned/custom voice. Empty uses the default.
	ReferenceID string

	SampleRate  int     // Output sample rate in Hz (0 = provider default)
	Speed       float64 // Prosody speed multiplier (0 = default 1.0)
	Volume      float64 // Prosody volume adjustment in dB
	Temperature float64 // Sampling temperature (0 = provider default)
	TopP        float64 // Nucleus sampling cutoff (0 = provider default)

	// Latency is the provider latency mode: "normal" or "balanced".
	Latency string
}

// SpeechSynthesizer is the capability a TTS provider plugin exposes to the
// host framework. Implementations must not dial the provider at open time;
// the connection is established lazily on the stream's first Flush.
type SpeechSynthesizer interface {
	OpenStream(ctx context.Context, opts StreamOptions) (SynthesisStream, error)
}

// SynthesisStream is one open streaming text-to-speech interaction.
//
// Lifecycle: open -> PushText/Flush (repeated) -> NextFrame (drain) -> Close.
// A single caller owns the stream; concurrent PushText/Flush/NextFrame calls
// from multiple goroutines are not serialized by the stream. Close is the
// exception: it is safe to call while a NextFrame is suspended and causes
// that call to resolve rather than hang.
type SynthesisStream interface {
	// PushText appends text to the pending buffer. It never blocks and
	// never triggers synthesis by itself.
	PushText(text string) error

	// Flush marks the pending buffer as a complete synthesizable unit and
	// sends it to the provider. Text buffered before a flush is never
	// re-synthesized by a later one.
	Flush() error

	// NextFrame blocks until a frame is available, the provider completes
	// all flushed text (ErrEndOfStream), or a fatal provider failure
	// occurs (ProviderError). Frames already received from the provider
	// are always delivered before an end or error result.
	NextFrame(ctx context.Context) (AudioFrame, error)

	// Close releases the provider connection and marks the stream
	// unusable. Idempotent; safe on every exit path.
	Close() error
}
