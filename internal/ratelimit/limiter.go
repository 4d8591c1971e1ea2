package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/metrics"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing"
)

// Options bound the call rate of one remote domain.
type Options struct {
	MaxRequests int
	Window      time.Duration
}

// Limiter admits at most MaxRequests calls per trailing Window.
//
// When the window is saturated the limiter sleeps until the oldest recorded
// call leaves the window and then forgets the whole history. That throttles
// more than a true sliding window would, never less.
type Limiter struct {
	opts    Options
	clock   pacing.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu    sync.Mutex
	calls []time.Time
}

// New constructs a limiter. Non-positive options fall back to 900 calls per minute.
func New(opts Options, clk pacing.Clock, m *metrics.Metrics, logger zerolog.Logger) *Limiter {
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = 900
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if clk == nil {
		clk = pacing.System()
	}
	return &Limiter{
		opts:    opts,
		clock:   clk,
		metrics: m,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Acquire blocks until one more call fits in the window, then records it.
// It only fails when ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	if len(l.calls) >= l.opts.MaxRequests {
		wait := l.calls[0].Add(l.opts.Window).Sub(now)
		if wait > 0 {
			l.logger.Warn().Dur("wait", wait).Int("max_requests", l.opts.MaxRequests).Msg("rate limit reached, waiting")
			if err := pacing.Sleep(ctx, l.clock, wait); err != nil {
				return err
			}
			l.metrics.RateLimitWait(wait)
		}
		l.calls = l.calls[:0]
	}

	l.calls = append(l.calls, l.clock.Now())
	return nil
}

// Len reports how many calls are currently retained.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *Limiter) prune(now time.Time) {
	cutoff := 0
	for cutoff < len(l.calls) && now.Sub(l.calls[cutoff]) >= l.opts.Window {
		cutoff++
	}
	if cutoff > 0 {
		l.calls = append(l.calls[:0], l.calls[cutoff:]...)
	}
}
