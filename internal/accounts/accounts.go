// Package accounts loads the sub-account roster and classifies accounts by size.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/sheet"
)

// Size separates accounts that need the slow single-row strategy.
type Size string

const (
	Normal Size = "normal"
	Large  Size = "large"
)

// Roster column names.
const (
	ColumnAccount = "account"
	ColumnToken   = "live_token_full"
	ColumnActive  = "NOX"
	ActiveMarker  = "SIM"
)

// LargeConfig is the per-account budget of a large account.
type LargeConfig struct {
	Timeout   time.Duration
	Retries   int
	BatchSize int
}

// Account is one roster row. Token is a secret and must not be logged.
type Account struct {
	ID     string
	Token  string
	Active bool
	Size   Size
	Large  LargeConfig
}

// IsLarge reports whether the large strategy applies.
func (a Account) IsLarge() bool { return a.Size == Large }

// Roster is the ordered account list as read from the sheet.
type Roster []Account

// Active drops inactive accounts, keeping order.
func (r Roster) Active() Roster {
	out := make(Roster, 0, len(r))
	for _, a := range r {
		if a.Active {
			out = append(out, a)
		}
	}
	return out
}

// Partition splits active accounts into large and normal, keeping roster order in each.
func (r Roster) Partition() (large, normal Roster) {
	for _, a := range r.Active() {
		if a.IsLarge() {
			large = append(large, a)
		} else {
			normal = append(normal, a)
		}
	}
	return large, normal
}

// Classify sets Size and Large for every account named in large. IDs match
// case-insensitively since config keys may arrive lowercased.
func Classify(r Roster, large map[string]LargeConfig) Roster {
	folded := make(map[string]LargeConfig, len(large))
	for id, cfg := range large {
		folded[strings.ToLower(id)] = cfg
	}
	out := make(Roster, len(r))
	for i, a := range r {
		a.Size = Normal
		if cfg, ok := folded[strings.ToLower(a.ID)]; ok {
			a.Size = Large
			a.Large = cfg
		}
		out[i] = a
	}
	return out
}

// ErrEmptyRoster means the roster tab had no usable rows.
var ErrEmptyRoster = errors.New("roster is empty")

// Load reads the roster tab and classifies it against large.
func Load(ctx context.Context, table sheet.Table, tab string, large map[string]LargeConfig) (Roster, error) {
	records, err := table.ReadRecords(ctx, tab)
	if err != nil {
		return nil, fmt.Errorf("read roster %q: %w", tab, err)
	}

	roster := make(Roster, 0, len(records))
	for _, rec := range records {
		id := strings.TrimSpace(rec[ColumnAccount])
		if id == "" {
			continue
		}
		roster = append(roster, Account{
			ID:     id,
			Token:  strings.TrimSpace(rec[ColumnToken]),
			Active: strings.EqualFold(strings.TrimSpace(rec[ColumnActive]), ActiveMarker) && strings.TrimSpace(rec[ColumnToken]) != "",
		})
	}
	if len(roster) == 0 {
		return nil, ErrEmptyRoster
	}
	return Classify(roster, large), nil
}
