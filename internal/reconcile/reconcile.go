// Package reconcile republishes merchant balances, the day's payments and
// backoffice adjustments from PostgreSQL into the balance spreadsheet.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/alerting"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/metrics"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/sheet"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/state"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/storage"
)

// Session is one short-lived database connection. *storage.Session satisfies it.
type Session interface {
	MerchantBalances(ctx context.Context, dayStart time.Time) ([]storage.MerchantBalance, error)
	DailyPayments(ctx context.Context, dayStart time.Time) ([]storage.PaymentAggregate, error)
	BackofficeAdjustments(ctx context.Context, dayStart time.Time, limit int) ([]storage.BackofficeAggregate, error)
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
	Close(ctx context.Context) error
}

// Source opens a new Session for every iteration.
type Source interface {
	Open(ctx context.Context) (Session, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Session, error)

func (f SourceFunc) Open(ctx context.Context) (Session, error) { return f(ctx) }

// DatabaseError aborts one iteration. The loop retries after ErrorDelay.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string { return fmt.Sprintf("database %s: %v", e.Op, e.Err) }

func (e *DatabaseError) Unwrap() error { return e.Err }

// State of the loop.
type State string

const (
	StateRunning       State = "RUNNING"
	StateMidnightPause State = "MIDNIGHT_PAUSE"
)

var errLockHeld = errors.New("advisory lock held by another reconciler")

// Options name the sink regions and pacing.
type Options struct {
	BalancesTab     string
	PaymentsTab     string
	BackofficeTab   string
	BalancesAnchor  sheet.Cell
	ProbeColumn     int
	BackofficeLimit int
	Interval        time.Duration
	ErrorDelay      time.Duration
	MidnightPause   time.Duration
	Location        *time.Location
	AdvisoryLockKey int64
	AlertAfter      int
}

func (o Options) withDefaults() Options {
	if o.BalancesTab == "" {
		o.BalancesTab = "jaci"
	}
	if o.PaymentsTab == "" {
		o.PaymentsTab = "DATABASE JACI"
	}
	if o.BackofficeTab == "" {
		o.BackofficeTab = "Backoffice Ajustes"
	}
	if o.BalancesAnchor == (sheet.Cell{}) {
		o.BalancesAnchor = sheet.Cell{Row: 1, Col: 1}
	}
	if o.ProbeColumn <= 0 {
		o.ProbeColumn = 9
	}
	if o.BackofficeLimit <= 0 {
		o.BackofficeLimit = 100
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.ErrorDelay <= 0 {
		o.ErrorDelay = time.Minute
	}
	if o.MidnightPause <= 0 {
		o.MidnightPause = time.Minute
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.AlertAfter <= 0 {
		o.AlertAfter = 3
	}
	return o
}

// Loop is the reconciliation state machine.
type Loop struct {
	opts     Options
	source   Source
	sink     sheet.Table
	ledger   *state.Ledger
	notifier alerting.Notifier
	clock    pacing.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	state    State
	streak   int
	pausedOn string
}

// New constructs a loop. ledger may be nil for an in-memory one.
func New(opts Options, source Source, sink sheet.Table, ledger *state.Ledger, notifier alerting.Notifier, clk pacing.Clock, m *metrics.Metrics, logger zerolog.Logger) *Loop {
	if ledger == nil {
		ledger = state.New("")
	}
	if clk == nil {
		clk = pacing.System()
	}
	return &Loop{
		opts:     opts.withDefaults(),
		source:   source,
		sink:     sink,
		ledger:   ledger,
		notifier: notifier,
		clock:    clk,
		metrics:  m,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		state:    StateRunning,
	}
}

// State returns the current state.
func (l *Loop) State() State { return l.state }

// Run steps until ctx is cancelled. Iteration errors never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Str("location", l.opts.Location.String()).Dur("interval", l.opts.Interval).Msg("reconciliation loop started")
	for {
		delay, _ := l.Step(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := pacing.Sleep(ctx, l.clock, delay); err != nil {
			return err
		}
	}
}

// Step runs exactly one iteration and returns how long to wait before the next.
func (l *Loop) Step(ctx context.Context) (time.Duration, error) {
	now := l.clock.Now().In(l.opts.Location)
	today := now.Format("2006-01-02")

	if l.ledger.Roll(today) {
		l.logger.Info().Str("date", today).Msg("new local day, ledger reset")
		l.saveLedger()
	}

	if now.Hour() == 0 && now.Minute() == 0 && l.pausedOn != today {
		l.pausedOn = today
		l.state = StateMidnightPause
		l.logger.Info().Dur("pause", l.opts.MidnightPause).Msg("midnight detected, pausing")
		return l.opts.MidnightPause, nil
	}
	l.state = StateRunning

	started := l.clock.Now()
	sinkErrs, err := l.iterate(ctx, now)
	switch {
	case errors.Is(err, errLockHeld):
		l.logger.Debug().Msg("skip iteration because advisory lock held elsewhere")
		l.metrics.ReconcileIteration("skipped", l.streak)
		return l.opts.Interval, nil
	case err != nil:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		l.streak++
		l.metrics.ReconcileIteration("error", l.streak)
		l.logger.Error().Err(err).Int("consecutive_failures", l.streak).Dur("retry_in", l.opts.ErrorDelay).Msg("reconciliation iteration failed")
		if l.streak == l.opts.AlertAfter {
			l.alert(ctx, err)
		}
		return l.opts.ErrorDelay, err
	}

	if l.streak >= l.opts.AlertAfter {
		l.logger.Info().Int("after_failures", l.streak).Msg("reconciliation recovered")
	}
	l.streak = 0
	result := "ok"
	if sinkErrs > 0 {
		result = "partial"
	}
	l.metrics.ReconcileIteration(result, 0)
	l.metrics.Success("reconcile", l.clock.Now())
	l.logger.Info().Dur("elapsed", l.clock.Now().Sub(started)).Int("sink_errors", sinkErrs).Msg("reconciliation iteration finished")
	return l.opts.Interval, nil
}

func (l *Loop) iterate(ctx context.Context, now time.Time) (int, error) {
	dayStart := storage.DayStart(now, l.opts.Location)

	sess, err := l.source.Open(ctx)
	if err != nil {
		return 0, &DatabaseError{Op: "connect", Err: err}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			l.logger.Warn().Err(err).Msg("failed to close database connection")
		}
	}()

	if l.opts.AdvisoryLockKey != 0 {
		unlock, acquired, err := sess.TryAdvisoryLock(ctx, l.opts.AdvisoryLockKey)
		if err != nil {
			return 0, &DatabaseError{Op: "advisory_lock", Err: err}
		}
		if !acquired {
			return 0, errLockHeld
		}
		defer unlock()
	}

	balances, err := sess.MerchantBalances(ctx, dayStart)
	if err != nil {
		return 0, &DatabaseError{Op: "merchant_balances", Err: err}
	}
	payments, err := sess.DailyPayments(ctx, dayStart)
	if err != nil {
		return 0, &DatabaseError{Op: "daily_payments", Err: err}
	}
	backoffice, err := sess.BackofficeAdjustments(ctx, dayStart, l.opts.BackofficeLimit)
	if err != nil {
		return 0, &DatabaseError{Op: "backoffice_adjustments", Err: err}
	}
	l.logger.Debug().
		Int("balances", len(balances)).
		Int("payments", len(payments)).
		Int("backoffice", len(backoffice)).
		Time("day_start", dayStart).
		Msg("queries finished")

	sinkErrs := 0
	if err := l.publishBalances(ctx, balances); err != nil {
		sinkErrs++
	}

	paymentRows := make([][]any, len(payments))
	for i, p := range payments {
		paymentRows[i] = p.Row()
	}
	if err := l.appendRows(ctx, l.opts.PaymentsTab, paymentRows); err != nil {
		sinkErrs++
	}

	backofficeRows := make([][]any, len(backoffice))
	for i, b := range backoffice {
		backofficeRows[i] = b.Row(l.opts.Location)
	}
	if err := l.appendRows(ctx, l.opts.BackofficeTab, backofficeRows); err != nil {
		sinkErrs++
	}

	l.saveLedger()
	return sinkErrs, nil
}

func (l *Loop) publishBalances(ctx context.Context, balances []storage.MerchantBalance) error {
	if len(balances) == 0 {
		return nil
	}

	derived := make(map[int64]decimal.Decimal, len(balances))
	rows := make([][]any, len(balances))
	for i, b := range balances {
		derived[b.MerchantID] = b.Midnight()
		rows[i] = b.Row()
	}

	if !l.ledger.HasMidnight() {
		l.ledger.SetMidnight(derived)
		l.logger.Info().Int("merchants", len(derived)).Msg("midnight snapshot stored")
	} else {
		for _, b := range balances {
			stored, ok := l.ledger.Midnight(b.MerchantID)
			if ok && !stored.Equal(derived[b.MerchantID]) {
				l.logger.Warn().
					Int64("merchant_id", b.MerchantID).
					Str("stored", stored.StringFixed(2)).
					Str("derived", derived[b.MerchantID].StringFixed(2)).
					Msg("midnight balance drift")
			}
		}
	}

	err := sheet.Replace(ctx, l.sink, l.opts.BalancesTab, l.opts.BalancesAnchor, storage.BalanceHeader, rows)
	l.metrics.SinkWrite(l.opts.BalancesTab, err)
	if err != nil {
		l.logger.Error().Err(err).Str("tab", l.opts.BalancesTab).Msg("failed to write balances")
		return err
	}
	l.logger.Info().Str("tab", l.opts.BalancesTab).Int("rows", len(rows)).Msg("balances updated")
	return nil
}

// appendRows writes rows not yet appended today below the last occupied row.
func (l *Loop) appendRows(ctx context.Context, tab string, rows [][]any) error {
	fresh := make([][]any, 0, len(rows))
	digests := make([]uint64, 0, len(rows))
	batch := make(map[uint64]struct{}, len(rows))
	for _, row := range rows {
		d := state.Digest(row)
		if _, dup := batch[d]; dup || l.ledger.Seen(tab, d) {
			continue
		}
		batch[d] = struct{}{}
		fresh = append(fresh, row)
		digests = append(digests, d)
	}
	if len(fresh) == 0 {
		l.logger.Debug().Str("tab", tab).Int("rows", len(rows)).Msg("nothing new to append")
		return nil
	}

	last, err := l.lastRow(ctx, tab)
	if err != nil {
		l.metrics.SinkWrite(tab, err)
		l.logger.Error().Err(err).Str("tab", tab).Msg("failed to locate last row")
		return err
	}

	anchor := sheet.Cell{Row: last + 1, Col: 1}
	err = l.sink.WriteRows(ctx, tab, anchor, nil, fresh)
	l.metrics.SinkWrite(tab, err)
	if err != nil {
		l.logger.Error().Err(err).Str("tab", tab).Msg("failed to append rows")
		return err
	}

	l.ledger.Mark(tab, digests...)
	l.metrics.RowsAppended(tab, len(fresh))
	l.logger.Info().Str("tab", tab).Int("rows", len(fresh)).Int("skipped", len(rows)-len(fresh)).Str("at", anchor.A1()).Msg("rows appended")
	return nil
}

// lastRow never lets an append land above data in column A.
func (l *Loop) lastRow(ctx context.Context, tab string) (int, error) {
	last, err := l.sink.LastRow(ctx, tab, l.opts.ProbeColumn)
	if err != nil {
		return 0, err
	}
	if l.opts.ProbeColumn != 1 {
		first, err := l.sink.LastRow(ctx, tab, 1)
		if err != nil {
			return 0, err
		}
		if first > last {
			last = first
		}
	}
	return last, nil
}

func (l *Loop) saveLedger() {
	if err := l.ledger.Save(); err != nil {
		l.logger.Warn().Err(err).Msg("failed to persist reconcile state")
	}
}

func (l *Loop) alert(ctx context.Context, cause error) {
	if l.notifier == nil {
		return
	}
	note := alerting.Notification{
		Job:      "reconcile",
		At:       l.clock.Now(),
		Location: l.opts.Location,
		Summary:  "reconciliation keeps failing",
		Cause:    cause.Error(),
		Streak:   l.streak,
	}
	if err := l.notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		l.logger.Error().Err(err).Msg("failed to dispatch alert")
	}
}
