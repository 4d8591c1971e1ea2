package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires the first tick right after the startup delay.
	RunImmediately bool
}

// Scheduler drives periodic execution of a job.
type Scheduler struct {
	opts   Options
	clock  pacing.Clock
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, clk pacing.Clock, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if clk == nil {
		clk = pacing.System()
	}
	return &Scheduler{opts: opts, clock: clk, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each interval until ctx is cancelled.
// A tick that overruns its slot pushes the next one to the following boundary.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := pacing.Sleep(ctx, s.clock, s.opts.StartupDelay); err != nil {
		return err
	}

	if s.opts.RunImmediately {
		if err := s.fire(ctx, tick, s.clock.Now().UTC()); err != nil {
			return err
		}
	}

	next := s.nextTick(s.clock.Now().UTC())
	for {
		delay := next.Sub(s.clock.Now())
		if delay < 0 {
			next = s.nextTick(s.clock.Now().UTC())
			delay = next.Sub(s.clock.Now())
		}

		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := pacing.Sleep(ctx, s.clock, delay); err != nil {
			return err
		}

		if err := s.fire(ctx, tick, s.bucketStart(next)); err != nil {
			return err
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, at time.Time) error {
	s.logger.Info().Time("tick", at).Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
	return ctx.Err()
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
