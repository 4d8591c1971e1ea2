// Package pacing holds the clock abstraction shared by every component that
// sleeps: rate limiter waits, retry backoffs, inter-account pacing and the
// reconciliation loop.
package pacing

import (
	"context"
	"time"

	"github.com/facebookgo/clock"
)

// Clock is the subset of clock.Clock the jobs depend on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System returns the wall clock.
func System() Clock {
	return clock.New()
}

// Sleep blocks for d on clk, returning early with ctx.Err() if ctx is done.
func Sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

var _ Clock = clock.New()
