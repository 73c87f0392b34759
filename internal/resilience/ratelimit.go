package resilience

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter wraps a token bucket so that bursts of provider calls (e.g. many
// sessions transcribing at once) are smoothed to a sustainable rate instead
// of tripping upstream 429s.
type Limiter struct {
	name    string
	limiter *rate.Limiter
}

// NewLimiter creates a Limiter allowing callsPerSecond sustained calls with
// the given burst size. A zero or negative callsPerSecond disables limiting.
func NewLimiter(name string, callsPerSecond float64, burst int) *Limiter {
	if callsPerSecond <= 0 {
		return &Limiter{name: name, limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{name: name, limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", l.name, err)
	}
	return nil
}

// Allow reports whether a call may proceed right now without blocking.
func (l *Limiter) Allow() bool { return l.limiter.Allow() }
