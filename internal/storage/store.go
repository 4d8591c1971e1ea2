package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/config"
)

// Source opens a fresh connection per call; nothing is pooled.
type Source struct {
	cfg *pgx.ConnConfig
	loc *time.Location
}

// NewSource validates runtime settings.
func NewSource(cfg config.DatabaseConfig, loc *time.Location) (*Source, error) {
	dsn := cfg.ConnString()
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn or database.host is required")
	}

	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		connConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}
	connConfig.RuntimeParams["application_name"] = "dailybalance"

	return &Source{cfg: connConfig, loc: loc}, nil
}

// Open connects. The caller owns the session and must Close it.
func (s *Source) Open(ctx context.Context) (*Session, error) {
	conn, err := pgx.ConnectConfig(ctx, s.cfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &Session{conn: conn, loc: s.loc}, nil
}
