package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the session has no open connection.
	ErrNotConfigured = errors.New("storage: connection not open")
)

// created_at_date columns hold UTC wall time without zone, so $1 is always
// the UTC instant of local midnight.
const (
	merchantBalancesSQL = `SELECT
        cm.id,
        COALESCE(cm.name_text, ''),
        COALESCE(cm.balance_decimal, 0)::text,
        COALESCE((
            SELECT SUM(CASE
                WHEN cp.status_text = 'PAID' AND cp.method_text = 'PIX' THEN cp.amount_decimal
                WHEN cp.status_text = 'PAID' AND cp.method_text = 'PIXOUT' THEN -cp.amount_decimal
                WHEN cp.status_text = 'REFUNDED' THEN -cp.amount_decimal
                ELSE 0
            END)
            FROM public.core_payment cp
            WHERE cp.merchant_id = cm.id
              AND cp.created_at_date >= $1
              AND cp.created_at_date < NOW()
              AND cp.status_text IN ('PAID', 'REFUNDED')
              AND cp.method_text IN ('PIX', 'PIXOUT')
        ), 0)::text
    FROM public.core_merchant cm
    ORDER BY cm.id ASC;`

	dailyPaymentsSQL = `SELECT
        COALESCE(cm.name_text, ''),
        COALESCE(cp.provider_text, ''),
        COALESCE(cp.method_text, ''),
        COUNT(*),
        COALESCE(SUM(cp.amount_decimal), 0)::text
    FROM public.core_payment cp
    JOIN public.core_merchant cm ON cm.id = cp.merchant_id
    WHERE cp.status_text = 'PAID'
      AND cp.created_at_date >= $1
    GROUP BY cm.name_text, cp.provider_text, cp.method_text
    ORDER BY cm.name_text, cp.provider_text, cp.method_text;`

	backofficeSQL = `SELECT
        COALESCE(cm.name_text, ''),
        COALESCE(bt.description_text, ''),
        COALESCE(SUM(bt.amount_decimal), 0)::text,
        DATE_TRUNC('minute', bt.created_at_date) AS minute,
        MAX(bt.created_at_date) AS last_at
    FROM public.core_backofficetrasactions bt
    LEFT JOIN public.core_merchant cm ON cm.id = bt.merchant_id
    WHERE bt.created_at_date >= $1
    GROUP BY DATE_TRUNC('minute', bt.created_at_date), bt.merchant_id, cm.name_text, bt.description_text
    ORDER BY last_at ASC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Session wraps one short-lived connection.
type Session struct {
	conn *pgx.Conn
	loc  *time.Location
}

// Close releases the connection.
func (s *Session) Close(ctx context.Context) error {
	if s == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Close(ctx)
	s.conn = nil
	return err
}

func (s *Session) getConn() (*pgx.Conn, error) {
	if s == nil || s.conn == nil {
		return nil, ErrNotConfigured
	}
	return s.conn, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Session) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := s.getConn()
	if err != nil {
		return nil, false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort, the lock also dies with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
	}
	return unlock, true, nil
}

// MerchantBalances lists every merchant with its movement since dayStart.
func (s *Session) MerchantBalances(ctx context.Context, dayStart time.Time) ([]MerchantBalance, error) {
	conn, err := s.getConn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, merchantBalancesSQL, dayStart.UTC())
	if err != nil {
		return nil, fmt.Errorf("query merchant balances: %w", err)
	}
	defer rows.Close()

	out := make([]MerchantBalance, 0)
	for rows.Next() {
		var rec MerchantBalance
		var currentStr, movementStr string
		if err := rows.Scan(&rec.MerchantID, &rec.Name, &currentStr, &movementStr); err != nil {
			return nil, err
		}
		if rec.Current, err = decimal.NewFromString(currentStr); err != nil {
			return nil, fmt.Errorf("parse balance of merchant %d: %w", rec.MerchantID, err)
		}
		if rec.NetMovement, err = decimal.NewFromString(movementStr); err != nil {
			return nil, fmt.Errorf("parse movement of merchant %d: %w", rec.MerchantID, err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DailyPayments aggregates paid payments since dayStart.
func (s *Session) DailyPayments(ctx context.Context, dayStart time.Time) ([]PaymentAggregate, error) {
	conn, err := s.getConn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, dailyPaymentsSQL, dayStart.UTC())
	if err != nil {
		return nil, fmt.Errorf("query daily payments: %w", err)
	}
	defer rows.Close()

	day := dayStart.In(s.location())
	out := make([]PaymentAggregate, 0)
	for rows.Next() {
		rec := PaymentAggregate{Day: day}
		var volumeStr string
		if err := rows.Scan(&rec.Merchant, &rec.Provider, &rec.Method, &rec.Count, &volumeStr); err != nil {
			return nil, err
		}
		if rec.Volume, err = decimal.NewFromString(volumeStr); err != nil {
			return nil, fmt.Errorf("parse payment volume: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// BackofficeAdjustments aggregates backoffice entries since dayStart, oldest first.
func (s *Session) BackofficeAdjustments(ctx context.Context, dayStart time.Time, limit int) ([]BackofficeAggregate, error) {
	conn, err := s.getConn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := conn.Query(ctx, backofficeSQL, dayStart.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query backoffice adjustments: %w", err)
	}
	defer rows.Close()

	out := make([]BackofficeAggregate, 0, limit)
	for rows.Next() {
		var rec BackofficeAggregate
		var totalStr string
		var lastAt time.Time
		if err := rows.Scan(&rec.Merchant, &rec.Description, &totalStr, &rec.Minute, &lastAt); err != nil {
			return nil, err
		}
		if rec.Total, err = decimal.NewFromString(totalStr); err != nil {
			return nil, fmt.Errorf("parse backoffice total: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Session) location() *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}
