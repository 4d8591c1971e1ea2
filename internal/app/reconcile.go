package app

import (
	"context"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/metrics"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/reconcile"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/state"
)

// Reconcile runs the database-to-sheet loop until interrupted.
func (a *App) Reconcile(ctx context.Context) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	cfg := a.Config
	if err := cfg.ValidateReconcile(); err != nil {
		return err
	}
	src, loc, err := a.openSource()
	if err != nil {
		return err
	}
	anchor, err := parseCells(cfg.Reconcile.BalancesAnchor)
	if err != nil {
		return err
	}
	sink, err := a.openSheet(ctx, cfg.Sheets.BalanceSpreadsheetID)
	if err != nil {
		return err
	}
	ledger, err := state.Load(cfg.Reconcile.StateFile)
	if err != nil {
		return err
	}
	if cfg.Reconcile.StateFile == "" {
		a.Logger.Warn().Msg("reconcile.state_file not configured; snapshot and dedupe state will not survive restarts")
	}

	m := metrics.New()
	loop := reconcile.New(reconcile.Options{
		BalancesTab:     cfg.Reconcile.BalancesTab,
		PaymentsTab:     cfg.Reconcile.PaymentsTab,
		BackofficeTab:   cfg.Reconcile.BackofficeTab,
		BalancesAnchor:  anchor[0],
		ProbeColumn:     cfg.Reconcile.ProbeColumn,
		BackofficeLimit: cfg.Reconcile.BackofficeLimit,
		Interval:        cfg.Reconcile.Interval,
		ErrorDelay:      cfg.Reconcile.ErrorDelay,
		MidnightPause:   cfg.Reconcile.MidnightPause,
		Location:        loc,
		AdvisoryLockKey: cfg.Reconcile.AdvisoryLockKey,
		AlertAfter:      cfg.Reconcile.AlertAfter,
	}, reconcile.SourceFunc(func(ctx context.Context) (reconcile.Session, error) {
		sess, err := src.Open(ctx)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}), sink, ledger, a.newNotifier(), pacing.System(), m, a.Logger)

	a.Logger.Info().Str("timezone", loc.String()).Msg("starting reconciliation loop")
	if err := a.runWithOps(ctx, m, loop.Run); err != nil {
		a.Logger.Error().Err(err).Msg("reconciliation loop terminated with error")
		return err
	}
	a.Logger.Info().Msg("reconciliation loop stopped")
	return nil
}
