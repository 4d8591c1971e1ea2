package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/accounts"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/alerting"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/balance"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/metrics"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/remote"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/scheduler"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/sheet"
)

// Mode selects how the sub-account job is invoked.
type Mode string

const (
	// ModeGatedOnce runs once if the trigger cell is TRUE and resets it afterwards.
	ModeGatedOnce Mode = "gated-once"
	// ModeContinuous runs on the scheduler interval and ignores the trigger.
	ModeContinuous Mode = "continuous"
)

// Status cell texts read by the operators.
const (
	StatusRunning   = "Atualizando..."
	StatusNoResults = "Erro: Nenhum resultado válido obtido"
	statusUpdated   = "Última atualização: "
	statusError     = "Erro: "
	triggerReset    = "FALSE"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeGatedOnce, "":
		return ModeGatedOnce, nil
	case ModeContinuous:
		return ModeContinuous, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// BatchRunner is satisfied by *batch.Runner.
type BatchRunner interface {
	Run(ctx context.Context, roster accounts.Roster) ([]balance.Result, error)
}

// Options locate the trigger protocol cells.
type Options struct {
	Mode            Mode
	Tab             string
	TriggerCell     sheet.Cell
	StatusCell      sheet.Cell
	ResultsAnchor   sheet.Cell
	Location        *time.Location
	TimestampLayout string
}

// Dependencies are the collaborators of one job.
type Dependencies struct {
	Sink      sheet.Table
	Roster    func(ctx context.Context) (accounts.Roster, error)
	Dialer    remote.Dialer
	NewRunner func(remote.Transport) BatchRunner
	Notifier  alerting.Notifier
	Scheduler *scheduler.Scheduler
	Clock     pacing.Clock
	Metrics   *metrics.Metrics
}

// SubaccountJob republishes sub-account balances to the sheet.
type SubaccountJob struct {
	opts   Options
	deps   Dependencies
	logger zerolog.Logger
}

// NewSubaccountJob constructs the job.
func NewSubaccountJob(opts Options, deps Dependencies, logger zerolog.Logger) *SubaccountJob {
	if opts.Mode == "" {
		opts.Mode = ModeGatedOnce
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.TimestampLayout == "" {
		opts.TimestampLayout = "2006-01-02 15:04:05"
	}
	if deps.Clock == nil {
		deps.Clock = pacing.System()
	}
	return &SubaccountJob{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "subaccount_job").Str("mode", string(opts.Mode)).Logger(),
	}
}

// Run executes according to the configured mode. Gated mode returns after one check.
func (j *SubaccountJob) Run(ctx context.Context) error {
	if j.opts.Mode == ModeContinuous {
		if j.deps.Scheduler == nil {
			return fmt.Errorf("scheduler not configured")
		}
		return j.deps.Scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
			return j.execute(ctx)
		})
	}
	_, err := j.RunOnce(ctx)
	return err
}

// RunOnce checks the trigger cell and, if it is TRUE, performs one run and
// resets the trigger whatever the outcome. ran reports whether a run happened.
func (j *SubaccountJob) RunOnce(ctx context.Context) (bool, error) {
	raw, err := j.deps.Sink.ReadCell(ctx, j.opts.Tab, j.opts.TriggerCell)
	if err != nil {
		j.logger.Error().Err(err).Str("cell", j.opts.TriggerCell.A1()).Msg("could not read trigger")
		return false, fmt.Errorf("read trigger: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(raw), "TRUE") {
		j.logger.Info().Str("cell", j.opts.TriggerCell.A1()).Str("value", raw).Msg("trigger not set, nothing to do")
		return false, nil
	}

	runErr := j.execute(ctx)

	// the trigger must flip back even when ctx was cancelled mid-run
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := j.deps.Sink.WriteCell(resetCtx, j.opts.Tab, j.opts.TriggerCell, triggerReset); err != nil {
		j.logger.Error().Err(err).Msg("failed to reset trigger")
		if runErr == nil {
			runErr = err
		}
	}
	return true, runErr
}

// ErrNoResults means the run produced no result rows at all.
var ErrNoResults = errors.New("no valid result")

func (j *SubaccountJob) execute(ctx context.Context) error {
	runID := uuid.NewString()
	logger := j.logger.With().Str("run_id", runID).Logger()
	started := j.deps.Clock.Now()

	if err := j.deps.Sink.WriteCell(ctx, j.opts.Tab, j.opts.StatusCell, StatusRunning); err != nil {
		logger.Error().Err(err).Msg("failed to mark run in progress")
		return err
	}

	results, err := j.collect(ctx, logger)
	if err != nil {
		logger.Error().Err(err).Msg("sub-account run failed")
		j.setStatus(ctx, logger, statusError+err.Error())
		j.notify(ctx, logger, runID, "sub-account run failed", err, results)
		return err
	}

	if len(results) == 0 {
		logger.Warn().Msg("no active account in roster, keeping previous sheet contents")
		j.setStatus(ctx, logger, StatusNoResults)
		j.notify(ctx, logger, runID, "no active sub-account to publish", ErrNoResults, results)
		return ErrNoResults
	}

	resolved := countResolved(results)
	rows := make([][]any, len(results))
	for i, res := range results {
		rows[i] = res.Row()
	}
	err = sheet.Replace(ctx, j.deps.Sink, j.opts.Tab, j.opts.ResultsAnchor, balance.Header, rows)
	j.deps.Metrics.SinkWrite(j.opts.Tab, err)
	if err != nil {
		logger.Error().Err(err).Msg("failed to write results")
		j.setStatus(ctx, logger, statusError+err.Error())
		j.notify(ctx, logger, runID, "sub-account results could not be written", err, results)
		return err
	}

	now := j.deps.Clock.Now()
	j.setStatus(ctx, logger, statusUpdated+now.In(j.opts.Location).Format(j.opts.TimestampLayout))
	j.deps.Metrics.Success("subaccounts", now)

	switch {
	case resolved == 0:
		j.notify(ctx, logger, runID, "no sub-account balance could be resolved", nil, results)
	case resolved < len(results):
		j.notify(ctx, logger, runID, "some sub-accounts could not be resolved", nil, results)
	}
	logger.Info().
		Int("accounts", len(results)).
		Int("resolved", resolved).
		Dur("elapsed", now.Sub(started)).
		Msg("sub-account balances published")
	return nil
}

func (j *SubaccountJob) collect(ctx context.Context, logger zerolog.Logger) ([]balance.Result, error) {
	roster, err := j.deps.Roster(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	logger.Info().Int("accounts", len(roster.Active())).Msg("roster loaded")

	transport, err := j.deps.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}
	defer func() {
		if cerr := transport.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close transport")
		}
	}()

	return j.deps.NewRunner(transport).Run(ctx, roster)
}

func (j *SubaccountJob) setStatus(ctx context.Context, logger zerolog.Logger, text string) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
	}
	if err := j.deps.Sink.WriteCell(ctx, j.opts.Tab, j.opts.StatusCell, text); err != nil {
		logger.Error().Err(err).Str("status", text).Msg("failed to update status cell")
	}
}

func (j *SubaccountJob) notify(ctx context.Context, logger zerolog.Logger, runID, summary string, cause error, results []balance.Result) {
	if j.deps.Notifier == nil {
		return
	}
	note := alerting.Notification{
		Job:      "subaccounts",
		RunID:    runID,
		At:       j.deps.Clock.Now(),
		Location: j.opts.Location,
		Summary:  summary,
		Resolved: countResolved(results),
		Total:    len(results),
	}
	if cause != nil {
		note.Cause = cause.Error()
	} else {
		note.AdditionalMsg = unresolvedList(results)
	}
	if err := j.deps.Notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		logger.Error().Err(err).Msg("failed to dispatch alert")
	}
}

func countResolved(results []balance.Result) int {
	n := 0
	for _, r := range results {
		if r.Outcome == balance.Resolved {
			n++
		}
	}
	return n
}

func unresolvedList(results []balance.Result) string {
	var b strings.Builder
	for _, r := range results {
		if r.Outcome == balance.Unresolved {
			fmt.Fprintf(&b, "- %s: %s\n", r.AccountID, r.Reason)
		}
	}
	return b.String()
}
