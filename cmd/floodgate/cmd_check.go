package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/admission"
	"github.com/nvandessel/floodgate/internal/engine"
)

// addActionFlags registers the flags describing one action.
func addActionFlags(cmd *cobra.Command) {
	cmd.Flags().String("type", "", "Action type (reply, post, follow, ...)")
	cmd.Flags().String("category", "", "Content category")
	cmd.Flags().String("target", "", "Account or post the action is aimed at")
	cmd.Flags().String("thread", "", "Conversation the action belongs to")
	cmd.Flags().String("content", "", "Text to publish (\"-\" reads stdin)")
	cmd.Flags().StringSlice("link", nil, "Promotional link attached to the action (repeatable)")
	cmd.Flags().Float64("confidence", 0, "Generator self-reported confidence (0-100)")
	cmd.Flags().Bool("generated", false, "Content is machine-written and must pass the quality gate")
	_ = cmd.MarkFlagRequired("type")
}

func actionFromFlags(cmd *cobra.Command) (engine.Action, error) {
	a := engine.Action{}
	a.Type, _ = cmd.Flags().GetString("type")
	a.Category, _ = cmd.Flags().GetString("category")
	a.Target, _ = cmd.Flags().GetString("target")
	a.Thread, _ = cmd.Flags().GetString("thread")
	a.Links, _ = cmd.Flags().GetStringSlice("link")
	a.Generated, _ = cmd.Flags().GetBool("generated")

	content, _ := cmd.Flags().GetString("content")
	content, err := readText(cmd, content)
	if err != nil {
		return a, err
	}
	a.Content = content

	if cmd.Flags().Changed("confidence") {
		c, _ := cmd.Flags().GetFloat64("confidence")
		a.Confidence = &c
	}
	return a, nil
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask whether an action may run now",
		Long: `Evaluate an action against the circuit breaker, quotas, duplicate
history, quality gate, link cooldowns and thread credibility. Nothing is recorded; run
'floodgate record' after the action succeeds.

Examples:
  floodgate check --type reply --target status/123 --content "..."
  floodgate check --type post --content - --generated --link https://example.com < draft.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			failOnDeny, _ := cmd.Flags().GetBool("fail-on-deny")

			a, err := actionFromFlags(cmd)
			if err != nil {
				return err
			}

			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			d, err := app.engine.Check(context.Background(), a)
			if err != nil {
				return fmt.Errorf("check failed: %w", err)
			}

			if jsonFlag(cmd) {
				if err := writeJSON(cmd.OutOrStdout(), decisionJSON(d)); err != nil {
					return err
				}
			} else {
				printDecision(cmd, d)
			}

			if failOnDeny {
				return d.Err()
			}
			return nil
		},
	}

	addActionFlags(cmd)
	cmd.Flags().Bool("fail-on-deny", false, "Exit non-zero when the action is denied")

	return cmd
}

func decisionJSON(d admission.Decision) map[string]any {
	out := map[string]any{"allowed": d.Allowed}
	if !d.Allowed {
		out["code"] = d.Code
		out["reason"] = d.Reason
		if d.Detail != "" {
			out["detail"] = d.Detail
		}
		if d.RetryAfter > 0 {
			out["retry_after_seconds"] = d.RetryAfter.Seconds()
		}
	}
	return out
}

func printDecision(cmd *cobra.Command, d admission.Decision) {
	w := cmd.OutOrStdout()
	if d.Allowed {
		fmt.Fprintln(w, "Allowed")
		return
	}
	fmt.Fprintf(w, "Denied: %s\n", d.Reason)
	fmt.Fprintf(w, "  Code: %s\n", d.Code)
	if d.Detail != "" {
		fmt.Fprintf(w, "  Detail: %s\n", d.Detail)
	}
	if d.RetryAfter > 0 {
		fmt.Fprintf(w, "  Retry after: %s\n", d.RetryAfter.Round(time.Second))
	}
}
