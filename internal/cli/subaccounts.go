package cli

import (
	"github.com/spf13/cobra"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/app"
)

var (
	subaccountsMode   string
	subaccountsDryRun bool
)

var subaccountsCmd = &cobra.Command{
	Use:   "subaccounts",
	Short: "Resolve sub-account balances and publish them when the trigger is set",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Subaccounts(cmd.Context(), app.SubaccountOptions{
			Mode:   subaccountsMode,
			DryRun: subaccountsDryRun,
		})
	},
}

func init() {
	subaccountsCmd.Flags().StringVar(&subaccountsMode, "mode", "", "gated-once or continuous (defaults to config)")
	subaccountsCmd.Flags().BoolVar(&subaccountsDryRun, "dry-run", false, "Resolve balances and print them without touching the result sheet")
}
