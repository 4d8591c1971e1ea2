package sheet

import (
	"context"
	"sync"
)

// Memory is an in-process Table used by tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	tabs   map[string][][]string
	fail   map[string]error
	writes int
}

// NewMemory returns an empty spreadsheet.
func NewMemory() *Memory {
	return &Memory{tabs: make(map[string][][]string), fail: make(map[string]error)}
}

// FailTab makes every write to tab return err. A nil err clears the failure.
func (m *Memory) FailTab(tab string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, tab)
		return
	}
	m.fail[tab] = err
}

// Set seeds a cell.
func (m *Memory) Set(tab string, cell Cell, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(tab, cell, value)
}

// Get returns a cell value.
func (m *Memory) Get(tab string, cell Cell) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(tab, cell)
}

// Rows returns a copy of the tab's grid.
func (m *Memory) Rows(tab string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	grid := m.tabs[tab]
	out := make([][]string, len(grid))
	for i, row := range grid {
		out[i] = append([]string(nil), row...)
	}
	return out
}

// Writes counts successful write calls across tabs.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) WriteRows(_ context.Context, tab string, anchor Cell, header []string, rows [][]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[tab]; err != nil {
		return &WriteError{Tab: tab, Range: anchor.A1(), Err: err}
	}

	r := anchor.Row
	if len(header) > 0 {
		for j, h := range header {
			m.set(tab, Cell{Row: r, Col: anchor.Col + j}, h)
		}
		r++
	}
	for _, row := range rows {
		for j, v := range row {
			m.set(tab, Cell{Row: r, Col: anchor.Col + j}, render(v))
		}
		r++
	}
	m.writes++
	return nil
}

func (m *Memory) ReadCell(_ context.Context, tab string, cell Cell) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(tab, cell), nil
}

func (m *Memory) WriteCell(_ context.Context, tab string, cell Cell, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[tab]; err != nil {
		return &WriteError{Tab: tab, Range: cell.A1(), Err: err}
	}
	m.set(tab, cell, render(value))
	m.writes++
	return nil
}

func (m *Memory) ClearRows(_ context.Context, tab string, from Cell, cols int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[tab]; err != nil {
		return &WriteError{Tab: tab, Range: from.A1(), Err: err}
	}

	grid := m.tabs[tab]
	for r := from.Row; r <= len(grid); r++ {
		row := grid[r-1]
		for c := from.Col; c < from.Col+cols && c <= len(row); c++ {
			row[c-1] = ""
		}
	}
	for len(grid) > 0 && blank(grid[len(grid)-1]) {
		grid = grid[:len(grid)-1]
	}
	m.tabs[tab] = grid
	m.writes++
	return nil
}

func blank(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}

func (m *Memory) LastRow(_ context.Context, tab string, col int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grid := m.tabs[tab]
	for r := len(grid); r > 0; r-- {
		row := grid[r-1]
		if col-1 < len(row) && row[col-1] != "" {
			return r, nil
		}
	}
	return 0, nil
}

func (m *Memory) ReadRecords(_ context.Context, tab string) ([]map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return toRecords(m.tabs[tab]), nil
}

func (m *Memory) get(tab string, cell Cell) string {
	grid := m.tabs[tab]
	if cell.Row-1 >= len(grid) || cell.Row <= 0 {
		return ""
	}
	row := grid[cell.Row-1]
	if cell.Col-1 >= len(row) || cell.Col <= 0 {
		return ""
	}
	return row[cell.Col-1]
}

func (m *Memory) set(tab string, cell Cell, value string) {
	grid := m.tabs[tab]
	for len(grid) < cell.Row {
		grid = append(grid, nil)
	}
	row := grid[cell.Row-1]
	for len(row) < cell.Col {
		row = append(row, "")
	}
	row[cell.Col-1] = value
	grid[cell.Row-1] = row
	m.tabs[tab] = grid
}

var _ Table = (*Memory)(nil)
