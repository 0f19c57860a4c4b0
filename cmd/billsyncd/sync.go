package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one usage synchronization pass and print the per-tenant results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		tenantID, _ := cmd.Flags().GetString("tenant")

		logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		app, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		results, err := app.Synchronizer.SyncUsage(cmd.Context(), billsync.SyncRequest{TenantID: tenantID, DryRun: dryRun})
		if err != nil {
			return err
		}
		if results == nil {
			results = []billsync.SyncResult{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "compute pending units without submitting or advancing marks")
	syncCmd.Flags().String("tenant", "", "limit the pass to one tenant id")
}
