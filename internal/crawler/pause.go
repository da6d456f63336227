package crawler

import (
	"context"
	"fmt"
	"time"
)

// TimerPauser sleeps on a timer and aborts when the context ends.
type TimerPauser struct{}

// Pause implements Pauser.
func (TimerPauser) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// NoopPauser returns immediately. Used by tests and dry runs.
type NoopPauser struct{}

// Pause implements Pauser.
func (NoopPauser) Pause(context.Context, time.Duration) error { return nil }
