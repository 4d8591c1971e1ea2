package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/storage"
)

// Export renders today's merchant balances as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	balances, err := a.loadBalances(ctx)
	if err != nil {
		return err
	}
	if len(balances) == 0 {
		a.Logger.Info().Msg("no merchant balances to export")
		return nil
	}
	a.Logger.Info().Int("merchants", len(balances)).Msg("exporting merchant balances")

	if opts.CSVPath != "" {
		if err := writeBalancesCSV(a.resolvePath(opts.CSVPath), balances); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		top := balances
		if opts.Top > 0 && len(top) > opts.Top {
			top = top[:opts.Top]
		}
		if err := writeBalancesPNG(a.resolvePath(opts.PNGPath), top); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath places bare file names under the configured export dir.
func (a *App) resolvePath(path string) string {
	if filepath.Dir(path) != "." || a.Config.Export.Dir == "" {
		return path
	}
	return filepath.Join(a.Config.Export.Dir, path)
}

func writeBalancesCSV(path string, balances []storage.MerchantBalance) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := append(append([]string{}, storage.BalanceHeader...), "movimento")
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, b := range balances {
		record := []string{
			strconv.FormatInt(b.MerchantID, 10),
			b.Current.StringFixed(2),
			b.Midnight().StringFixed(2),
			b.Name,
			b.NetMovement.StringFixed(2),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeBalancesPNG(path string, balances []storage.MerchantBalance) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, 0, 2*len(balances))
	for _, b := range balances {
		label := b.Name
		if label == "" {
			label = strconv.FormatInt(b.MerchantID, 10)
		}
		bars = append(bars,
			chart.Value{Label: label + " 0h", Value: b.Midnight().InexactFloat64()},
			chart.Value{Label: label, Value: b.Current.InexactFloat64()},
		)
	}

	graph := chart.BarChart{
		Title:    "Saldo por merchant",
		Width:    1280,
		Height:   720,
		BarWidth: 24,
		YAxis: chart.YAxis{
			Name: "BRL",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
