package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"kioskwatch/internal/reconcile"
	"kioskwatch/pkg/types"
)

type cleanupOutput struct {
	Success   bool                `json:"success"`
	Results   types.CleanupResult `json:"results"`
	Timestamp time.Time           `json:"timestamp"`
	Error     string              `json:"error,omitempty"`
}

type statsOutput struct {
	Success bool               `json:"success"`
	Stats   types.SessionStats `json:"stats"`
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var params reconcile.ManualParams
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Disconnect stale sessions and purge old ones now",
		Long: `Run the auto-disconnect job (reason manual-cleanup) and then the purge job
against the configured database. Zero thresholds use the defaults
(10 minutes and 30 days).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := params.Normalize(); err != nil {
				return err
			}
			application, err := opts.openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			result, runErr := application.Reconciler().RunManual(cmd.Context(), params)
			out := cleanupOutput{Success: runErr == nil, Results: result, Timestamp: time.Now()}
			if runErr != nil {
				out.Error = runErr.Error()
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("cleanup failed: %w", runErr)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&params.StaleMinutes, "stale-minutes", 0, "disconnect active sessions silent for this many minutes (default 10)")
	cmd.Flags().Float64Var(&params.PurgeDays, "purge-days", 0, "delete disconnected sessions older than this many days (default 30)")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print session counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := opts.openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			stats, err := application.Reconciler().Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read stats: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), statsOutput{Success: true, Stats: stats})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
