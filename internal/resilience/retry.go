// Package resilience retries the tool's fallible I/O: catalog downloads,
// alert webhooks and store lock polling.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig shapes a retry loop. Zero fields take the defaults of
// DefaultRetryConfig.
type RetryConfig struct {
	MaxAttempts    int           // tries including the first
	InitialBackoff time.Duration // wait after the first failure
	MaxBackoff     time.Duration // ceiling on any single wait
	Multiplier     float64       // growth of the wait per failure
	JitterFraction float64       // share of each wait randomized either way

	// ShouldRetry decides whether an error is worth another try. Nil uses
	// IsTransient.
	ShouldRetry func(err error) bool
	// OnRetry runs before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is used for network calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

// LockPollConfig polls a contended lock with short waits. Attempts are
// effectively unbounded; the caller's context deadline ends the loop.
func LockPollConfig(busy func(err error) bool) RetryConfig {
	return RetryConfig{
		MaxAttempts:    math.MaxInt32,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		Multiplier:     1.5,
		JitterFraction: 0.25,
		ShouldRetry:    busy,
	}
}

// Do calls fn until it succeeds, fails with an error ShouldRetry rejects,
// or runs out of attempts. Cancelling ctx ends the wait early. The error
// returned is always the last one fn produced.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	retryable := cfg.ShouldRetry
	if retryable == nil {
		retryable = IsTransient
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case attempt >= cfg.MaxAttempts, ctx.Err() != nil, !retryable(err):
			return err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if !wait(ctx, cfg.backoff(attempt)) {
			return err
		}
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	c.JitterFraction = max(c.JitterFraction, 0)
	return c
}

// backoff is the wait after the given failed attempt.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt-1))
	d = min(d, float64(c.MaxBackoff))
	if c.JitterFraction > 0 {
		d += d * c.JitterFraction * (2*rand.Float64() - 1)
	}
	return time.Duration(max(d, 0))
}

// wait sleeps for d and reports false if ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RetryLogger returns an OnRetry hook that logs each failed attempt.
func RetryLogger(component, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn(component+": retrying "+operation,
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
