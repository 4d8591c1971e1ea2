package cli

import (
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mirror merchant balances, payments and backoffice adjustments into the sheet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reconcile(cmd.Context())
	},
}
