package cli

import (
	"github.com/spf13/cobra"

	"whale-alerts/internal/storage"
)

var runDryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the subgraph and dispatch alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runDryRun {
			// nothing is persisted and alerts only reach the log
			a.Config.Storage.Driver = storage.DriverMemory
			a.Config.Alerting.Enabled = false
			a.Logger.Warn().Msg("dry run: using in-memory record log, alerts are logged only")
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Use an in-memory record log and log alerts instead of sending them")
}
