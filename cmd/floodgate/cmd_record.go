package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a successfully performed action",
		Long: `Record an action that was performed. It is counted against its quotas,
added to duplicate history, starts its links' cooldowns, gets a metrics
entry and resets the failure streak.

Pair with 'floodgate check'. Another process may act between the two.

Examples:
  floodgate record --type reply --category macro --target status/123 --content "..."`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actionFromFlags(cmd)
			if err != nil {
				return err
			}

			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			receipt, err := app.engine.RecordSuccess(context.Background(), a)
			if err != nil {
				return fmt.Errorf("record failed: %w", err)
			}

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"recorded":   true,
					"metrics_id": receipt.MetricsID,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s action\n", a.Type)
			fmt.Fprintf(cmd.OutOrStdout(), "  Metrics ID: %s\n", receipt.MetricsID)
			return nil
		},
	}

	addActionFlags(cmd)

	return cmd
}

func newFailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail",
		Short: "Record a failed external action",
		Long: `Count one failed action toward the circuit breaker. Enough consecutive
failures pause all actions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			receipt, err := app.engine.RecordFailure(context.Background())
			if err != nil {
				return fmt.Errorf("record failure failed: %w", err)
			}

			if jsonFlag(cmd) {
				out := map[string]any{"breaker_tripped": receipt.BreakerTripped}
				if receipt.BreakerTripped {
					out["pause_seconds"] = receipt.Pause.Seconds()
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			if receipt.BreakerTripped {
				fmt.Fprintf(cmd.OutOrStdout(), "Failure recorded; circuit open for %s\n", receipt.Pause)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Failure recorded")
			}
			return nil
		},
	}
}
