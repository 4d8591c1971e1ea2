// Package batch walks the roster: large accounts one by one, then normal
// accounts in small paced batches.
package batch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/accounts"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/balance"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing"
)

// Resolver is satisfied by *balance.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, acct accounts.Account) balance.Result
}

// Options control pacing.
type Options struct {
	BatchSize  int
	LargePause time.Duration
	BatchPause time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 3
	}
	if o.LargePause <= 0 {
		o.LargePause = 3 * time.Second
	}
	if o.BatchPause <= 0 {
		o.BatchPause = time.Second
	}
	return o
}

// Runner resolves a roster sequentially.
type Runner struct {
	opts     Options
	resolver Resolver
	clock    pacing.Clock
	logger   zerolog.Logger
}

// NewRunner constructs a runner.
func NewRunner(opts Options, resolver Resolver, clk pacing.Clock, logger zerolog.Logger) *Runner {
	if clk == nil {
		clk = pacing.System()
	}
	return &Runner{
		opts:     opts.withDefaults(),
		resolver: resolver,
		clock:    clk,
		logger:   logger.With().Str("component", "batch_runner").Logger(),
	}
}

// Run resolves every active account, large ones first. Per-account failures
// are already folded into results; only cancellation stops early, returning
// what was resolved so far together with ctx.Err().
func (r *Runner) Run(ctx context.Context, roster accounts.Roster) ([]balance.Result, error) {
	large, normal := roster.Partition()
	results := make([]balance.Result, 0, len(large)+len(normal))

	r.logger.Info().Int("large", len(large)).Int("normal", len(normal)).Msg("starting sub-account run")

	for i, acct := range large {
		r.logger.Info().Str("account", acct.ID).Int("index", i+1).Int("total", len(large)).Msg("processing large account")
		results = append(results, r.resolver.Resolve(ctx, acct))
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if i < len(large)-1 {
			if err := pacing.Sleep(ctx, r.clock, r.opts.LargePause); err != nil {
				return results, err
			}
		}
	}

	batches := chunk(normal, r.opts.BatchSize)
	for i, b := range batches {
		r.logger.Info().Msgf("lote %d/%d", i+1, len(batches))
		for _, acct := range b {
			results = append(results, r.resolver.Resolve(ctx, acct))
			if err := ctx.Err(); err != nil {
				return results, err
			}
		}
		if i < len(batches)-1 {
			if err := pacing.Sleep(ctx, r.clock, r.opts.BatchPause); err != nil {
				return results, err
			}
		}
	}

	resolved := 0
	for _, res := range results {
		if res.Outcome == balance.Resolved {
			resolved++
		}
	}
	r.logger.Info().Int("results", len(results)).Int("resolved", resolved).Msg("sub-account run finished")
	return results, nil
}

func chunk(r accounts.Roster, size int) []accounts.Roster {
	var out []accounts.Roster
	for start := 0; start < len(r); start += size {
		end := start + size
		if end > len(r) {
			end = len(r)
		}
		out = append(out, r[start:end])
	}
	return out
}
