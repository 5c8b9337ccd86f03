package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-pipeline/internal/monitoring"
)

var (
	healthHours int
	healthAlert bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Summarize ledger health and evaluate alert thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.ValidateMode("status"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours := healthHours
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}
		if hours <= 0 {
			hours = 24
		}

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return err
		}
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		if healthAlert {
			alerter.SendAlerts(ctx, alerts)
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"metrics": snap,
			"alerts":  alerts,
		})
	},
}

func init() {
	healthCmd.Flags().IntVar(&healthHours, "hours", 0, "lookback window in hours (default from config)")
	healthCmd.Flags().BoolVar(&healthAlert, "send-alerts", false, "post triggered alerts to the configured webhook")
	rootCmd.AddCommand(healthCmd)
}
