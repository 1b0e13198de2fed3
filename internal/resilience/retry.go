// Package resilience provides caller-level retry for synthesis sessions.
// The adapter itself never retries a provider failure; when the gateway
// wants a fresh session after a mid-stream drop, it goes through Retry.
package resilience

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rrfunde/fishaudio-livekit/tts"
)

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxAttempts       int           // Maximum number of attempts, including the first
	InitialBackoff    time.Duration // Backoff before the second attempt
	MaxBackoff        time.Duration // Cap on the backoff duration
	BackoffMultiplier float64       // Exponential growth factor
	Jitter            bool          // Add up to 25% random jitter to each sleep
}

// DefaultRetryConfig returns the gateway's default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryableFunc is one attempt at the operation.
type RetryableFunc func() error

// Retry executes fn with exponential backoff until it succeeds, the error
// is not retryable, or attempts run out. The last error is returned.
func Retry(fn RetryableFunc, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if attempt < config.MaxAttempts-1 {
			sleep := backoff
			if config.Jitter {
				sleep += time.Duration(rand.Float64() * 0.25 * float64(sleep))
			}
			if sleep > config.MaxBackoff {
				sleep = config.MaxBackoff
			}
			time.Sleep(sleep)

			backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	return lastErr
}

// CalculateBackoff returns the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialBackoff, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(attempt)))
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// IsRetryable classifies a synthesis error. Provider-side failures are
// worth a fresh session unless the provider rejected the request itself
// (auth failure, bad request). Configuration errors and use-after-close
// are caller bugs and never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var cfgErr *tts.ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}
	if errors.Is(err, tts.ErrSessionClosed) {
		return false
	}

	var provErr *tts.ProviderError
	if errors.As(err, &provErr) {
		switch {
		case provErr.StatusCode == 0:
			// Transport-level drop with no HTTP status: retryable.
			return true
		case provErr.StatusCode == 429:
			return true
		case provErr.StatusCode >= 500:
			return true
		default:
			// 4xx other than rate limiting will not improve on retry.
			return false
		}
	}

	return false
}
