// Package retry runs provider operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

type (
	// Config configures retry behavior.
	Config struct {
		// MaxAttempts is the maximum number of attempts including the first.
		// Zero or one disables retries.
		MaxAttempts int
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration
		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration
		// BackoffMultiplier grows the delay after each retry.
		BackoffMultiplier float64
		// Jitter adds up to the given fraction of randomness to each delay.
		Jitter float64
		// OnRetry, when set, is called before sleeping with the attempt that
		// failed, its error and the chosen delay.
		OnRetry func(attempt int, err error, backoff time.Duration)
	}

	// ExhaustedError is returned when all attempts failed with retryable
	// errors.
	ExhaustedError struct {
		Attempts      int
		TotalDuration time.Duration
		LastError     error
	}
)

// DefaultConfig returns the retry policy used for provider calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// IsRetryable reports whether err may succeed on a later attempt: provider
// errors flagged retryable, rate limiting, deadlines and network timeouts.
// Cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if pe, ok := model.AsProviderError(err); ok {
		return pe.Retryable()
	}
	if errors.Is(err, model.ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do calls fn until it succeeds, returns a non-retryable error, ctx is done
// or the attempts are exhausted.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		backoff := Backoff(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, backoff)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// Backoff returns the delay after the given failed attempt (1-based).
func Backoff(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}
