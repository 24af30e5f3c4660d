package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/metrics"
)

func newEngagementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engagement <key>",
		Short: "Set engagement counts for a recorded action",
		Long: `Replace the view, like and click counts of a recorded action. The key is
the metrics ID printed by 'floodgate record', or the action's target.
Counts are absolute and may not decrease.

Examples:
  floodgate engagement 0195f3c2-... --views 1200 --likes 40 --clicks 9
  floodgate engagement status/123 --views 80`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			views, _ := cmd.Flags().GetInt64("views")
			likes, _ := cmd.Flags().GetInt64("likes")
			clicks, _ := cmd.Flags().GetInt64("clicks")

			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			eng := metrics.Engagement{Views: views, Likes: likes, Clicks: clicks}
			if err := app.engine.UpdateEngagement(context.Background(), args[0], eng); err != nil {
				return fmt.Errorf("engagement update failed: %w", err)
			}

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"updated": true,
					"key":     args[0],
					"views":   views,
					"likes":   likes,
					"clicks":  clicks,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s: %d views, %d likes, %d clicks\n", args[0], views, likes, clicks)
			return nil
		},
	}

	cmd.Flags().Int64("views", 0, "Absolute view count")
	cmd.Flags().Int64("likes", 0, "Absolute like count")
	cmd.Flags().Int64("clicks", 0, "Absolute link click count")

	return cmd
}
