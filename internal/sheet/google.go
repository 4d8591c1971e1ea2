package sheet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	gsheets "google.golang.org/api/sheets/v4"
	"google.golang.org/api/option"
)

// GoogleOptions identify one spreadsheet.
type GoogleOptions struct {
	SpreadsheetID string
	// Credentials is a service-account key file path or the key JSON itself.
	Credentials string
}

// Google is a Table backed by the Sheets v4 API.
type Google struct {
	id      string
	svc     *gsheets.Service
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewGoogle builds a client for one spreadsheet. extra options are appended
// after the credentials, tests use them to point at a local endpoint.
func NewGoogle(ctx context.Context, opts GoogleOptions, logger zerolog.Logger, extra ...option.ClientOption) (*Google, error) {
	if strings.TrimSpace(opts.SpreadsheetID) == "" {
		return nil, errors.New("spreadsheet id required")
	}

	var clientOpts []option.ClientOption
	creds := strings.TrimSpace(opts.Credentials)
	switch {
	case strings.HasPrefix(creds, "{"):
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(creds)))
	case creds != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(creds))
	case len(extra) == 0:
		return nil, errors.New("google credentials required")
	}
	clientOpts = append(clientOpts, option.WithScopes(gsheets.SpreadsheetsScope))
	clientOpts = append(clientOpts, extra...)

	svc, err := gsheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return &Google{
		id:      opts.SpreadsheetID,
		svc:     svc,
		breaker: newBreaker("sheets:" + opts.SpreadsheetID),
		logger:  logger.With().Str("component", "sheets").Str("spreadsheet", opts.SpreadsheetID).Logger(),
	}, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

func (g *Google) WriteRows(ctx context.Context, tab string, anchor Cell, header []string, rows [][]any) error {
	values := make([][]interface{}, 0, len(rows)+1)
	if len(header) > 0 {
		h := make([]interface{}, len(header))
		for i, v := range header {
			h[i] = cellValue(v)
		}
		values = append(values, h)
	}
	for _, row := range rows {
		r := make([]interface{}, len(row))
		for i, v := range row {
			r[i] = cellValue(v)
		}
		values = append(values, r)
	}
	if len(values) == 0 {
		return nil
	}
	return g.update(ctx, tab, anchor.A1(), values)
}

func (g *Google) WriteCell(ctx context.Context, tab string, cell Cell, value any) error {
	return g.update(ctx, tab, cell.A1(), [][]interface{}{{cellValue(value)}})
}

func (g *Google) ClearRows(ctx context.Context, tab string, from Cell, cols int) error {
	if cols <= 0 {
		return nil
	}
	a1 := from.A1() + ":" + ColumnName(from.Col+cols-1)
	rng := rangeOf(tab, a1)
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return g.svc.Spreadsheets.Values.Clear(g.id, rng, &gsheets.ClearValuesRequest{}).
			Context(ctx).
			Do()
	})
	if err != nil {
		return &WriteError{Tab: tab, Range: a1, Err: err}
	}
	g.logger.Debug().Str("range", rng).Msg("range cleared")
	return nil
}

// cellValue renders v for USER_ENTERED input. Text that the sheet would parse
// as a formula is quoted so it lands verbatim; numbers stay numbers.
func cellValue(v any) string {
	s := render(v)
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '@':
		return "'" + s
	case '-':
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "'" + s
		}
	}
	return s
}

func (g *Google) update(ctx context.Context, tab, a1 string, values [][]interface{}) error {
	rng := rangeOf(tab, a1)
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return g.svc.Spreadsheets.Values.Update(g.id, rng, &gsheets.ValueRange{Values: values}).
			ValueInputOption("USER_ENTERED").
			Context(ctx).
			Do()
	})
	if err != nil {
		return &WriteError{Tab: tab, Range: a1, Err: err}
	}
	g.logger.Debug().Str("range", rng).Int("rows", len(values)).Msg("range updated")
	return nil
}

func (g *Google) ReadCell(ctx context.Context, tab string, cell Cell) (string, error) {
	values, err := g.get(ctx, rangeOf(tab, cell.A1()))
	if err != nil {
		return "", err
	}
	if len(values) == 0 || len(values[0]) == 0 {
		return "", nil
	}
	return values[0][0], nil
}

func (g *Google) LastRow(ctx context.Context, tab string, col int) (int, error) {
	name := ColumnName(col)
	values, err := g.get(ctx, rangeOf(tab, name+":"+name))
	if err != nil {
		return 0, err
	}
	for r := len(values); r > 0; r-- {
		if len(values[r-1]) > 0 && values[r-1][0] != "" {
			return r, nil
		}
	}
	return 0, nil
}

func (g *Google) ReadRecords(ctx context.Context, tab string) ([]map[string]string, error) {
	values, err := g.get(ctx, rangeOf(tab, "A:ZZ"))
	if err != nil {
		return nil, err
	}
	return toRecords(values), nil
}

func (g *Google) get(ctx context.Context, rng string) ([][]string, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.svc.Spreadsheets.Values.Get(g.id, rng).Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	vr := res.(*gsheets.ValueRange)
	out := make([][]string, len(vr.Values))
	for i, row := range vr.Values {
		out[i] = make([]string, len(row))
		for j, v := range row {
			out[i][j] = render(v)
		}
	}
	return out, nil
}

var _ Table = (*Google)(nil)
