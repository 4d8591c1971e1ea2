package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/accounts"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/alerting"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/config"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/metrics"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/remote"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/sheet"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) openSheet(ctx context.Context, spreadsheetID string) (*sheet.Google, error) {
	return sheet.NewGoogle(ctx, sheet.GoogleOptions{
		SpreadsheetID: spreadsheetID,
		Credentials:   a.Config.Sheets.Credentials,
	}, a.Logger)
}

func (a *App) openSource() (*storage.Source, *time.Location, error) {
	loc, err := a.Config.App.Location()
	if err != nil {
		return nil, nil, err
	}
	src, err := storage.NewSource(a.Config.Database, loc)
	if err != nil {
		return nil, nil, err
	}
	return src, loc, nil
}

func (a *App) newDialer() remote.Dialer {
	if a.Config.Remote.Transport == "http" {
		return remote.HTTPDialer{
			Options: remote.HTTPOptions{UserAgent: a.Config.Remote.UserAgent},
			Logger:  a.Logger,
		}
	}
	ssh := a.Config.SSH
	return remote.NewSSHDialer(remote.SSHOptions{
		Host:           ssh.Host,
		Port:           ssh.Port,
		Username:       ssh.Username,
		Password:       ssh.Password,
		KnownHostsFile: ssh.KnownHostsFile,
		DialTimeout:    ssh.DialTimeout,
	}, a.Logger)
}

// largeAccounts converts the configured map into per-account budgets.
func (a *App) largeAccounts() map[string]accounts.LargeConfig {
	out := make(map[string]accounts.LargeConfig, len(a.Config.Accounts.Large))
	for id, cfg := range a.Config.Accounts.Large {
		out[id] = accounts.LargeConfig{
			Timeout:   time.Duration(cfg.Timeout) * time.Second,
			Retries:   cfg.Retries,
			BatchSize: cfg.BatchSize,
		}
	}
	return out
}

// runWithOps runs job next to the ops server, when one is configured, and
// stops both once either returns.
func (a *App) runWithOps(ctx context.Context, m *metrics.Metrics, job func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return job(gctx)
	})
	if addr := a.Config.Metrics.Addr; addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, addr, m, a.Logger)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func parseCells(specs ...string) ([]sheet.Cell, error) {
	cells := make([]sheet.Cell, len(specs))
	for i, s := range specs {
		c, err := sheet.ParseCell(s)
		if err != nil {
			return nil, fmt.Errorf("%w: cell %q: %v", config.ErrInvalid, s, err)
		}
		cells[i] = c
	}
	return cells, nil
}

// SubaccountOptions configure the subaccounts command.
type SubaccountOptions struct {
	Mode   string
	DryRun bool
}

// ExportOptions configure the export command.
type ExportOptions struct {
	PNGPath string
	CSVPath string
	Top     int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
