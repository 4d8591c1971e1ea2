package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/accounts"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/balance"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/batch"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/metrics"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/ratelimit"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/remote"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/scheduler"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/service"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/sheet"
)

// Subaccounts runs the sub-account balance job. A dry run reads the real
// roster but publishes into memory and prints the table instead.
func (a *App) Subaccounts(ctx context.Context, opts SubaccountOptions) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	cfg := a.Config
	if err := cfg.ValidateSubaccounts(opts.DryRun); err != nil {
		return err
	}
	modeName := cfg.Subaccounts.Mode
	if opts.Mode != "" {
		modeName = opts.Mode
	}
	mode, err := service.ParseMode(modeName)
	if err != nil {
		return err
	}
	loc, err := cfg.App.Location()
	if err != nil {
		return err
	}
	cells, err := parseCells(cfg.Subaccounts.TriggerCell, cfg.Subaccounts.StatusCell, cfg.Subaccounts.ResultsAnchor)
	if err != nil {
		return err
	}

	gateway, err := a.openSheet(ctx, cfg.Sheets.GatewaySpreadsheetID)
	if err != nil {
		return err
	}

	var (
		sink   sheet.Table
		memory *sheet.Memory
	)
	if opts.DryRun {
		memory = sheet.NewMemory()
		memory.Set(cfg.Subaccounts.Tab, cells[0], "TRUE")
		sink = memory
		mode = service.ModeGatedOnce
	} else {
		results, err := a.openSheet(ctx, cfg.Sheets.BalanceSpreadsheetID)
		if err != nil {
			return err
		}
		sink = results
	}

	clk := pacing.System()
	m := metrics.New()
	limiter := ratelimit.New(ratelimit.Options{
		MaxRequests: cfg.Remote.MaxRequests,
		Window:      cfg.Remote.Window,
	}, clk, m, a.Logger)
	large := a.largeAccounts()

	job := service.NewSubaccountJob(service.Options{
		Mode:          mode,
		Tab:           cfg.Subaccounts.Tab,
		TriggerCell:   cells[0],
		StatusCell:    cells[1],
		ResultsAnchor: cells[2],
		Location:      loc,
	}, service.Dependencies{
		Sink: sink,
		Roster: func(ctx context.Context) (accounts.Roster, error) {
			return accounts.Load(ctx, gateway, cfg.Sheets.RosterTab, large)
		},
		Dialer: a.newDialer(),
		NewRunner: func(t remote.Transport) service.BatchRunner {
			exec := remote.NewExecutor(remote.ExecutorOptions{
				BaseURL: cfg.Remote.FinancialURL,
				Delays:  remote.DefaultDelays(),
			}, t, limiter, clk, m, a.Logger)
			resolver := balance.NewResolver(balance.Options{
				PageSize: cfg.Remote.PageSize,
				Normal: remote.CallOptions{
					Timeout:    cfg.Remote.NormalTimeout,
					MaxRetries: cfg.Remote.NormalRetries,
				},
				LargeRetries:    cfg.Remote.LargeRetries,
				LargeTimeout:    cfg.Remote.LargeTimeout,
				LargeRetryDelay: cfg.Remote.LargeRetryDelay,
			}, exec, clk, m, a.Logger)
			return batch.NewRunner(batch.Options{
				BatchSize:  cfg.Subaccounts.BatchSize,
				LargePause: cfg.Subaccounts.LargePause,
				BatchPause: cfg.Subaccounts.BatchPause,
			}, resolver, clk, a.Logger)
		},
		Notifier: a.newNotifier(),
		Scheduler: scheduler.New(scheduler.Options{
			Interval:       cfg.Subaccounts.Interval,
			AlignToStart:   true,
			RunImmediately: true,
		}, clk, a.Logger),
		Clock:   clk,
		Metrics: m,
	}, a.Logger)

	a.Logger.Info().Str("mode", string(mode)).Bool("dry_run", opts.DryRun).Msg("starting sub-account job")
	err = a.runWithOps(ctx, m, job.Run)
	if memory != nil {
		printTable(os.Stdout, memory.Rows(cfg.Subaccounts.Tab))
	}
	switch {
	case errors.Is(err, service.ErrNoResults):
		a.Logger.Warn().Msg("sub-account job found no active account to publish")
	case err != nil:
		a.Logger.Error().Err(err).Msg("sub-account job terminated with error")
	}
	return err
}

func printTable(w io.Writer, rows [][]string) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = sanitizeInline(c)
		}
		fmt.Fprintln(writer, strings.Join(cells, "\t"))
	}
	writer.Flush()
}
