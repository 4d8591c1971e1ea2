// Package sheet is the tabular sink: spreadsheet tabs addressed by A1 cells.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Cell is a 1-based row/column coordinate.
type Cell struct {
	Row int
	Col int
}

// A1 renders the cell in A1 notation.
func (c Cell) A1() string {
	return ColumnName(c.Col) + strconv.Itoa(c.Row)
}

func (c Cell) String() string { return c.A1() }

// ColumnName converts a 1-based column index into letters (1 → A, 27 → AA).
func ColumnName(col int) string {
	if col <= 0 {
		return ""
	}
	var b []byte
	for col > 0 {
		col--
		b = append([]byte{byte('A' + col%26)}, b...)
		col /= 26
	}
	return string(b)
}

// ParseCell parses A1 notation such as "B1" or "aa12".
func ParseCell(s string) (Cell, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	i := 0
	col := 0
	for i < len(s) && s[i] >= 'A' && s[i] <= 'Z' {
		col = col*26 + int(s[i]-'A'+1)
		i++
	}
	if i == 0 || i == len(s) {
		return Cell{}, fmt.Errorf("invalid cell %q", s)
	}
	for _, r := range s[i:] {
		if !unicode.IsDigit(r) {
			return Cell{}, fmt.Errorf("invalid cell %q", s)
		}
	}
	row, err := strconv.Atoi(s[i:])
	if err != nil || row <= 0 {
		return Cell{}, fmt.Errorf("invalid cell %q", s)
	}
	return Cell{Row: row, Col: col}, nil
}

// MustCell is ParseCell for constants.
func MustCell(s string) Cell {
	c, err := ParseCell(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Table is a spreadsheet with named tabs.
type Table interface {
	// WriteRows writes header (if non-empty) followed by rows starting at anchor.
	WriteRows(ctx context.Context, tab string, anchor Cell, header []string, rows [][]any) error
	ReadCell(ctx context.Context, tab string, cell Cell) (string, error)
	WriteCell(ctx context.Context, tab string, cell Cell, value any) error
	// ClearRows blanks cols columns starting at from, from from.Row to the end of the tab.
	ClearRows(ctx context.Context, tab string, from Cell, cols int) error
	// LastRow returns the last occupied row of col, 0 when the column is empty.
	LastRow(ctx context.Context, tab string, col int) (int, error)
	// ReadRecords returns every row below the header keyed by header name.
	ReadRecords(ctx context.Context, tab string) ([]map[string]string, error)
}

// Replace overwrites the table at anchor and blanks whatever an earlier, longer
// table left below it.
func Replace(ctx context.Context, t Table, tab string, anchor Cell, header []string, rows [][]any) error {
	if err := t.WriteRows(ctx, tab, anchor, header, rows); err != nil {
		return err
	}
	width := len(header)
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return nil
	}
	next := anchor.Row + len(rows)
	if len(header) > 0 {
		next++
	}
	return t.ClearRows(ctx, tab, Cell{Row: next, Col: anchor.Col}, width)
}

// WriteError reports a failed write to one region.
type WriteError struct {
	Tab   string
	Range string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s!%s: %v", e.Tab, e.Range, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err is or wraps a *WriteError.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

func rangeOf(tab, a1 string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'!" + a1
}

func toRecords(values [][]string) []map[string]string {
	if len(values) == 0 {
		return nil
	}
	header := values[0]
	out := make([]map[string]string, 0, len(values)-1)
	for _, row := range values[1:] {
		empty := true
		rec := make(map[string]string, len(header))
		for i, key := range header {
			if key == "" {
				continue
			}
			v := ""
			if i < len(row) {
				v = row[i]
			}
			if v != "" {
				empty = false
			}
			rec[key] = v
		}
		if !empty {
			out = append(out, rec)
		}
	}
	return out
}

func render(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
