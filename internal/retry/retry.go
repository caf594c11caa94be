// Package retry wraps fallible startup and delivery calls in bounded backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
)

type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig waits 1s, 2s, 4s, 8s between five attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// WithExponentialBackoff calls fn until it succeeds, the attempts run out or
// ctx is done. The last error is wrapped in the returned one.
func WithExponentialBackoff(ctx context.Context, cfg Config, operation string, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				appLogger.Info("%s succeeded on attempt %d/%d", operation, attempt, cfg.MaxAttempts)
			}
			return nil
		}
		lastErr = err
		appLogger.Warn("%s failed (attempt %d/%d): %v", operation, attempt, cfg.MaxAttempts, err)

		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled during retry: %w", operation, ctx.Err())
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

// WithLinearBackoff retries with a constant delay.
func WithLinearBackoff(ctx context.Context, maxAttempts int, delay time.Duration, operation string, fn func() error) error {
	return WithExponentialBackoff(ctx, Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}, operation, fn)
}
