package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/nvandessel/floodgate/internal/engine"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show breaker state and quota usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.engine.Status(context.Background())
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusTree(st).String())
			return nil
		},
	}
}

// statusTree renders st. Each action type lists its own windows; the
// shared global window is shown once.
func statusTree(st *engine.Status) treeprint.Tree {
	tree := treeprint.NewWithRoot("floodgate")

	breaker := tree.AddBranch("circuit breaker")
	if st.Breaker.Open && st.Breaker.PausedUntil != nil {
		breaker.AddNode(fmt.Sprintf("open until %s", st.Breaker.PausedUntil.Local().Format(time.DateTime)))
	} else {
		breaker.AddNode("closed")
	}
	breaker.AddNode(fmt.Sprintf("consecutive failures: %d", st.Breaker.ConsecutiveFailures))

	budgets := tree.AddBranch("budgets")
	types := make([]string, 0, len(st.Budgets))
	for typ := range st.Budgets {
		types = append(types, typ)
	}
	sort.Strings(types)

	var global string
	for _, typ := range types {
		var branch treeprint.Tree
		for _, u := range st.Budgets[typ] {
			line := fmt.Sprintf("%d/%d per %s", u.Used, u.Window.Limit, u.Window)
			if u.ResetIn > 0 {
				line += fmt.Sprintf(" (oldest ages out in %s)", u.ResetIn.Round(time.Second))
			}
			if u.Scope != typ {
				global = line
				continue
			}
			if branch == nil {
				branch = budgets.AddBranch(typ)
			}
			branch.AddNode(line)
		}
	}
	if global != "" {
		budgets.AddBranch("global").AddNode(global)
	}

	tree.AddNode(fmt.Sprintf("dedup history: %d", st.DedupSize))
	tree.AddNode(fmt.Sprintf("outstanding tokens: %d", st.Outstanding))
	return tree
}
