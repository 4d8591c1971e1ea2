// Package state persists the reconciler's per-day side state: the midnight
// balance snapshot and digests of rows already appended to log tabs.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type document struct {
	Date     string              `yaml:"date"`
	Midnight map[int64]string    `yaml:"midnight,omitempty"`
	Appended map[string][]string `yaml:"appended,omitempty"`
}

// Ledger is safe for concurrent use. A Ledger without a path lives in memory only.
type Ledger struct {
	path string

	mu       sync.Mutex
	date     string
	midnight map[int64]decimal.Decimal
	appended map[string]map[uint64]struct{}
}

// New returns an empty in-memory ledger bound to path (may be empty).
func New(path string) *Ledger {
	return &Ledger{
		path:     path,
		midnight: make(map[int64]decimal.Decimal),
		appended: make(map[string]map[uint64]struct{}),
	}
}

// Load reads path. A missing file yields an empty ledger.
func Load(path string) (*Ledger, error) {
	l := New(path)
	if path == "" {
		return l, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}

	l.date = doc.Date
	for id, v := range doc.Midnight {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("decode midnight balance of %d: %w", id, err)
		}
		l.midnight[id] = d
	}
	for tab, digests := range doc.Appended {
		set := make(map[uint64]struct{}, len(digests))
		for _, hex := range digests {
			n, err := strconv.ParseUint(hex, 16, 64)
			if err != nil {
				return nil, fmt.Errorf("decode digest %q: %w", hex, err)
			}
			set[n] = struct{}{}
		}
		l.appended[tab] = set
	}
	return l, nil
}

// Save writes the ledger atomically. No-op without a path.
func (l *Ledger) Save() error {
	if l.path == "" {
		return nil
	}

	l.mu.Lock()
	doc := document{Date: l.date}
	if len(l.midnight) > 0 {
		doc.Midnight = make(map[int64]string, len(l.midnight))
		for id, d := range l.midnight {
			doc.Midnight[id] = d.String()
		}
	}
	if len(l.appended) > 0 {
		doc.Appended = make(map[string][]string, len(l.appended))
		for tab, set := range l.appended {
			digests := make([]string, 0, len(set))
			for n := range set {
				digests = append(digests, strconv.FormatUint(n, 16))
			}
			sort.Strings(digests)
			doc.Appended[tab] = digests
		}
	}
	l.mu.Unlock()

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Date is the local day the ledger describes (YYYY-MM-DD).
func (l *Ledger) Date() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.date
}

// Roll moves the ledger to date, forgetting everything recorded for an
// earlier day. It reports whether the day changed.
func (l *Ledger) Roll(date string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.date == date {
		return false
	}
	l.date = date
	l.midnight = make(map[int64]decimal.Decimal)
	l.appended = make(map[string]map[uint64]struct{})
	return true
}

// HasMidnight reports whether a snapshot exists for the current day.
func (l *Ledger) HasMidnight() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.midnight) > 0
}

// SetMidnight replaces the snapshot.
func (l *Ledger) SetMidnight(balances map[int64]decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.midnight = make(map[int64]decimal.Decimal, len(balances))
	for id, d := range balances {
		l.midnight[id] = d
	}
}

// Midnight returns the stored midnight balance of a merchant.
func (l *Ledger) Midnight(id int64) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.midnight[id]
	return d, ok
}

// Seen reports whether digest was already appended to tab today.
func (l *Ledger) Seen(tab string, digest uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.appended[tab][digest]
	return ok
}

// Mark records digests as appended to tab.
func (l *Ledger) Mark(tab string, digests ...uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.appended[tab]
	if set == nil {
		set = make(map[uint64]struct{}, len(digests))
		l.appended[tab] = set
	}
	for _, d := range digests {
		set[d] = struct{}{}
	}
}

// Digest hashes the rendered tuple of a sink row.
func Digest(row []any) uint64 {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = fmt.Sprint(v)
	}
	return xxhash.Sum64String(strings.Join(parts, "\x1f"))
}
