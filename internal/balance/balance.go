// Package balance resolves the current balance of one sub-account from its
// financial statement without paging through the whole history.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/accounts"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/metrics"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/remote"
)

// Outcome tells an empty account apart from a failed lookup.
type Outcome string

const (
	Resolved   Outcome = "resolved"
	Unresolved Outcome = "unresolved"
)

// Strategy names the path that produced a result.
type Strategy string

const (
	StrategyNormal        Strategy = "normal"
	StrategyLarge         Strategy = "large"
	StrategyLargeFallback Strategy = "large_fallback"
)

// Header is the column header written above the results.
var Header = []string{"Account", "transactions_total", "saldo_cents"}

// Result is the balance of one account. Unresolved results carry zeroes.
type Result struct {
	AccountID         string
	TransactionsTotal int64
	BalanceCents      int64
	Outcome           Outcome
	Reason            string
	Strategy          Strategy
}

// Row renders the result for the sink, balance in currency units.
func (r Result) Row() []any {
	return []any{r.AccountID, r.TransactionsTotal, FormatCents(r.BalanceCents)}
}

// FormatCents renders cents as units with two decimals (150075 → "1500.75").
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// Caller is satisfied by *remote.Executor.
type Caller interface {
	Call(ctx context.Context, req remote.Request, opts remote.CallOptions) (*remote.Financial, error)
}

// Options tune both strategies.
type Options struct {
	PageSize        int
	Normal          remote.CallOptions
	LargeRetries    int
	LargeTimeout    time.Duration
	LargeRetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.Normal.Timeout <= 0 {
		o.Normal.Timeout = 30 * time.Second
	}
	if o.Normal.MaxRetries <= 0 {
		o.Normal.MaxRetries = 2
	}
	if o.LargeRetries <= 0 {
		o.LargeRetries = 5
	}
	if o.LargeTimeout <= 0 {
		o.LargeTimeout = 120 * time.Second
	}
	if o.LargeRetryDelay <= 0 {
		o.LargeRetryDelay = 30 * time.Second
	}
	return o
}

// Resolver picks a strategy per account.
type Resolver struct {
	opts    Options
	caller  Caller
	clock   pacing.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewResolver constructs a resolver.
func NewResolver(opts Options, caller Caller, clk pacing.Clock, m *metrics.Metrics, logger zerolog.Logger) *Resolver {
	if clk == nil {
		clk = pacing.System()
	}
	return &Resolver{
		opts:    opts.withDefaults(),
		caller:  caller,
		clock:   clk,
		metrics: m,
		logger:  logger.With().Str("component", "balance_resolver").Logger(),
	}
}

// Resolve always returns a result; failures become Unresolved zeroes.
func (r *Resolver) Resolve(ctx context.Context, acct accounts.Account) Result {
	var res Result
	if acct.IsLarge() {
		res = r.resolveLarge(ctx, acct)
	} else {
		res = r.resolveNormal(ctx, acct, r.opts.Normal, StrategyNormal)
	}
	res.AccountID = acct.ID

	r.metrics.AccountResolved(string(res.Strategy), string(res.Outcome))
	ev := r.logger.Info()
	if res.Outcome == Unresolved {
		ev = r.logger.Warn().Str("reason", res.Reason)
	}
	ev.Str("account", acct.ID).
		Str("strategy", string(res.Strategy)).
		Int64("transactions_total", res.TransactionsTotal).
		Str("balance", FormatCents(res.BalanceCents)).
		Msg("account balance resolved")
	return res
}

func (r *Resolver) resolveNormal(ctx context.Context, acct accounts.Account, call remote.CallOptions, strategy Strategy) Result {
	fin, err := r.caller.Call(ctx, remote.Request{Token: acct.Token, Limit: r.opts.PageSize}, call)
	if err != nil {
		return unresolved(strategy, fmt.Errorf("fetch transactions_total: %w", err))
	}
	total, ok := fin.Total()
	if !ok {
		return unresolved(strategy, errors.New("response without transactions_total"))
	}
	if total == 0 {
		return Result{Outcome: Resolved, Strategy: strategy}
	}

	start := total - int64(r.opts.PageSize)
	if start < 0 {
		start = 0
	}
	page, err := r.caller.Call(ctx, remote.Request{Token: acct.Token, Start: remote.Offset(start), Limit: r.opts.PageSize}, call)
	if err != nil {
		return unresolved(strategy, fmt.Errorf("fetch transactions from %d: %w", start, err))
	}
	last, ok := page.Last()
	if !ok {
		return unresolved(strategy, fmt.Errorf("no transactions from offset %d", start))
	}
	cents, err := last.Cents()
	if err != nil {
		return unresolved(strategy, err)
	}
	return Result{TransactionsTotal: total, BalanceCents: cents, Outcome: Resolved, Strategy: strategy}
}

func (r *Resolver) resolveLarge(ctx context.Context, acct accounts.Account) Result {
	call := r.largeCall(acct)

	fin, err := r.caller.Call(ctx, remote.Request{Token: acct.Token, Limit: r.opts.PageSize}, call)
	if err != nil {
		if ctx.Err() != nil {
			return unresolved(StrategyLarge, err)
		}
		r.logger.Warn().Err(err).Str("account", acct.ID).Msg("large strategy could not read total, falling back")
		return r.resolveNormal(ctx, acct, call, StrategyLargeFallback)
	}
	total, ok := fin.Total()
	if !ok {
		r.logger.Warn().Str("account", acct.ID).Msg("large strategy got no transactions_total, falling back")
		return r.resolveNormal(ctx, acct, call, StrategyLargeFallback)
	}
	if total == 0 {
		return Result{Outcome: Resolved, Strategy: StrategyLarge}
	}

	start := total - 1
	attempts := acct.Large.Retries
	if attempts <= 0 {
		attempts = r.opts.LargeRetries
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		page, err := r.caller.Call(ctx, remote.Request{Token: acct.Token, Start: remote.Offset(start), Limit: 1}, call)
		if ctx.Err() != nil {
			return unresolved(StrategyLarge, ctx.Err())
		}
		if err == nil {
			if last, ok := page.Last(); ok {
				cents, cerr := last.Cents()
				if cerr == nil {
					return Result{TransactionsTotal: total, BalanceCents: cents, Outcome: Resolved, Strategy: StrategyLarge}
				}
				err = cerr
			} else {
				err = errors.New("empty page")
			}
		}

		r.logger.Warn().Err(err).Str("account", acct.ID).Int("attempt", attempt).Int("max_attempts", attempts).Int64("start", start).Msg("large single-row fetch failed")
		if attempt == attempts {
			break
		}
		if err := pacing.Sleep(ctx, r.clock, r.opts.LargeRetryDelay); err != nil {
			return unresolved(StrategyLarge, err)
		}
	}

	r.logger.Warn().Str("account", acct.ID).Msg("large strategy exhausted, falling back to normal strategy")
	return r.resolveNormal(ctx, acct, call, StrategyLargeFallback)
}

// largeCall is the per-call budget of a large account. The account's own
// retries only bound the single-row loop in resolveLarge.
func (r *Resolver) largeCall(acct accounts.Account) remote.CallOptions {
	call := remote.CallOptions{Timeout: acct.Large.Timeout, MaxRetries: r.opts.LargeRetries}
	if call.Timeout <= 0 {
		call.Timeout = r.opts.LargeTimeout
	}
	return call
}

func unresolved(strategy Strategy, err error) Result {
	return Result{Outcome: Unresolved, Reason: err.Error(), Strategy: strategy}
}
