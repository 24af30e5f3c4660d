package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/logging"
	"github.com/nvandessel/floodgate/internal/store"
)

func newDecisionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show recent admission decisions",
		Long: `Print the tail of .floodgate/decisions.jsonl. The trace is only written
when logging.level is "debug" or "trace".

Examples:
  floodgate decisions
  floodgate decisions -n 100 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			n, _ := cmd.Flags().GetInt("limit")

			events, err := logging.ReadDecisions(store.LocalPath(root), n)
			if err != nil {
				return err
			}

			if jsonFlag(cmd) {
				if events == nil {
					events = []map[string]any{}
				}
				return writeJSON(cmd.OutOrStdout(), events)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No decisions logged. Set logging.level to debug to record them.")
				return nil
			}
			for _, ev := range events {
				fmt.Fprintln(cmd.OutOrStdout(), formatDecision(ev))
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of decisions to show (0 for all)")

	return cmd
}

// formatDecision renders an event as "time event key=value ...".
func formatDecision(ev map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v %v", ev["time"], ev["event"])

	keys := make([]string, 0, len(ev))
	for k := range ev {
		if k != "time" && k != "event" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev[k])
	}
	return b.String()
}
