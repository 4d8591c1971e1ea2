package cli

import (
	"github.com/spf13/cobra"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/app"
)

var (
	exportPNGPath string
	exportCSVPath string
	exportTop     int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export today's merchant balances as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
			Top:     exportTop,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportTop, "top", 20, "Largest merchants to chart")
}
