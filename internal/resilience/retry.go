package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// temporary is implemented by provider errors that are worth retrying,
// such as [stt.StatusError] for 5xx and 429 responses.
type temporary interface {
	Temporary() bool
}

// Retryable reports whether err is a transient failure. Context cancellation
// and deadline expiry are never retryable; errors implementing a
// Temporary() bool method decide for themselves; everything else is assumed
// transient (network-level failures usually are).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrBreakerOpen) {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponentially growing delay. Default: 5s.
	MaxBackoff time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Retry runs fn up to cfg.MaxAttempts times, doubling the backoff between
// attempts up to cfg.MaxBackoff. It stops early when fn succeeds, when the
// error is not [Retryable], or when ctx is done during a backoff wait.
//
// Only idempotent calls should go through Retry; generation streams must not
// be retried once tokens have been emitted.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()

	var err error
	backoff := cfg.InitialBackoff
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, err)
}
