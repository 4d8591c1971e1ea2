package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayTimeoutMarker is what the processor's edge returns in the body of a 504.
const GatewayTimeoutMarker = "error code: 504"

// ErrNoBalance indicates a transaction without a usable balance_cents field.
var ErrNoBalance = errors.New("transaction has no balance_cents")

// Reply is the raw outcome of one transport round trip.
type Reply struct {
	Status int
	Body   []byte
	Stderr []byte
}

// Transport performs a GET on the financial endpoint.
type Transport interface {
	Fetch(ctx context.Context, rawURL string, timeout time.Duration) (Reply, error)
	Close() error
}

// Dialer opens a transport scoped to one run.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// Request describes one query against the financial endpoint.
type Request struct {
	Token string
	Start *int64
	Limit int
}

// Offset is a helper for Request.Start.
func Offset(n int64) *int64 {
	return &n
}

// URL renders the request against base.
func (r Request) URL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse financial url: %w", err)
	}
	q := u.Query()
	q.Set("api_token", r.Token)
	if r.Start != nil {
		q.Set("start", strconv.FormatInt(*r.Start, 10))
	}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Financial is the decoded body of the financial endpoint.
type Financial struct {
	TransactionsTotal *json.Number  `json:"transactions_total"`
	Transactions      []Transaction `json:"transactions"`
}

// Total returns transactions_total and whether the field was present.
func (f *Financial) Total() (int64, bool) {
	if f == nil || f.TransactionsTotal == nil {
		return 0, false
	}
	n, err := f.TransactionsTotal.Int64()
	if err != nil {
		d, derr := decimal.NewFromString(f.TransactionsTotal.String())
		if derr != nil {
			return 0, false
		}
		return d.IntPart(), true
	}
	return n, true
}

// Last returns the final transaction of the page.
func (f *Financial) Last() (Transaction, bool) {
	if f == nil || len(f.Transactions) == 0 {
		return Transaction{}, false
	}
	return f.Transactions[len(f.Transactions)-1], true
}

// Transaction is one entry of the financial statement. Only the balance is
// interpreted, the rest is kept for diagnostics.
type Transaction struct {
	BalanceCents json.RawMessage `json:"balance_cents"`
	Balance      json.RawMessage `json:"balance"`
	Description  string          `json:"description,omitempty"`
	EntryDate    string          `json:"entry_date,omitempty"`
}

// Cents parses balance_cents, which the API sends either as a string or a number.
func (t Transaction) Cents() (int64, error) {
	raw := strings.TrimSpace(string(t.BalanceCents))
	if raw == "" || raw == "null" {
		return 0, ErrNoBalance
	}
	raw = strings.Trim(raw, `"`)
	if raw == "" {
		return 0, ErrNoBalance
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse balance_cents %q: %w", raw, err)
	}
	return d.Round(0).IntPart(), nil
}

// Redact strips the api token from a URL before it is logged.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("api_token") {
		q.Set("api_token", "***")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
