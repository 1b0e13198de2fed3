package tts

import (
	"errors"
	"fmt"
)

// ErrEndOfStream is returned by NextFrame once the provider has completed
// synthesis of all flushed text and every buffered frame has been delivered.
// Subsequent NextFrame calls keep returning it.
var ErrEndOfStream = errors.New("tts: end of stream")

// ErrSessionClosed is returned when PushText or Flush is called on a closed
// stream. Use-after-close is a programming error and is never silently
// ignored.
var ErrSessionClosed = errors.New("tts: session closed")

// ConfigurationError reports bad or missing setup: an unknown backend,
// an absent credential, or voice options outside the provider's accepted
// ranges. It is surfaced synchronously at the point of misuse.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tts: invalid configuration: %s: %s", e.Field, e.Reason)
}

// ProviderError reports a remote failure: auth rejection, rate limiting, or
// a mid-stream disconnect. It is surfaced at the next NextFrame call, after
// any frames received before the failure have been delivered. The adapter
// never retries; callers decide whether to open a fresh stream.
type ProviderError struct {
	StatusCode int    // HTTP status when the failure came from the upgrade/response
	Code       string // Provider error code or short classification
	Message    string
	Err        error // Underlying transport error, if any
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tts: provider error (status %d, code %q): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tts: provider error (code %q): %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
