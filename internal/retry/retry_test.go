package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
)

func init() { appLogger.SetOutput(io.Discard) }

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithExponentialBackoff(context.Background(), fastConfig(5), "connect", func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestGivesUpAndWrapsLastError(t *testing.T) {
	sentinel := errors.New("refused")
	calls := 0
	err := WithLinearBackoff(context.Background(), 3, time.Millisecond, "connect", func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want wrapped sentinel", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := WithExponentialBackoff(ctx, Config{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1}, "connect", func() error {
		calls++
		cancel()
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
