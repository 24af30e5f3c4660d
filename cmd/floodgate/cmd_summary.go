package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/metrics"
)

func newSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize engagement per content category",
		Long: `Aggregate recorded actions and their engagement per category, best
categories (by clicks) first.

--since and --until accept most common date formats.

Examples:
  floodgate summary                       # Last 7 days
  floodgate summary --days 30 --top 5
  floodgate summary --since 2026-03-01 --until "2026-03-15 18:00"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			since, _ := cmd.Flags().GetString("since")
			until, _ := cmd.Flags().GetString("until")
			top, _ := cmd.Flags().GetInt("top")

			period, err := parsePeriod(time.Now(), days, since, until)
			if err != nil {
				return err
			}

			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.engine.Summarize(context.Background(), period)
			if err != nil {
				return fmt.Errorf("summary failed: %w", err)
			}
			report.Categories = report.Top(top)

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().Int("days", 7, "Trailing days to summarize")
	cmd.Flags().String("since", "", "Start of the period (overrides --days)")
	cmd.Flags().String("until", "", "End of the period (default: now)")
	cmd.Flags().Int("top", 0, "Only show the N best categories")

	return cmd
}

// parsePeriod resolves the summary window. Dates without a zone are local.
func parsePeriod(now time.Time, days int, since, until string) (metrics.Period, error) {
	if days <= 0 {
		return metrics.Period{}, fmt.Errorf("--days must be positive, got %d", days)
	}
	p := metrics.LastDays(now, days)

	if since != "" {
		t, err := dateparse.ParseIn(since, time.Local)
		if err != nil {
			return metrics.Period{}, fmt.Errorf("invalid --since %q: %w", since, err)
		}
		p.Since = t
	}
	if until != "" {
		t, err := dateparse.ParseIn(until, time.Local)
		if err != nil {
			return metrics.Period{}, fmt.Errorf("invalid --until %q: %w", until, err)
		}
		p.Until = t
	}
	if p.Until.Before(p.Since) {
		return metrics.Period{}, fmt.Errorf("--until is before --since")
	}
	return p, nil
}

func printReport(cmd *cobra.Command, r *metrics.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Summary %s to %s\n", r.Period.Since.Local().Format(time.DateTime), r.Period.Until.Local().Format(time.DateTime))
	fmt.Fprintf(w, "  Actions: %d  Views: %d  Likes: %d  Clicks: %d\n\n", r.TotalActions, r.TotalViews, r.TotalLikes, r.TotalClicks)

	if len(r.Categories) == 0 {
		fmt.Fprintln(w, "No actions recorded in this period.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tACTIONS\tLINKED\tAVG VIEWS\tAVG LIKES\tAVG CLICKS\tCLICKS/LINK")
	for _, c := range r.Categories {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t%.1f\t%.1f\t%.2f\n",
			c.Category, c.Actions, c.WithLink, c.AvgViews, c.AvgLikes, c.AvgClicks, c.ClickThrough)
	}
	tw.Flush()

	fmt.Fprintln(w)
	if r.WithLink > 0 {
		fmt.Fprintf(w, "Links: %d clicks over %d linked actions (%.1f%%)\n",
			r.LinkClicks, r.WithLink, r.LinkClickThrough*100)
	}
	if advice := linkAdviceText(r.LinkAdvice); advice != "" {
		fmt.Fprintf(w, "  -> %s\n", advice)
	}
	if r.BestCategory != "" {
		fmt.Fprintf(w, "Best category: %s\n", r.BestCategory)
	}
}

func linkAdviceText(a metrics.LinkAdvice) string {
	switch a {
	case metrics.LinkAdviceIncrease:
		return "links are converting; consider attaching them more often"
	case metrics.LinkAdviceDecrease:
		return "links are not converting; consider attaching them less often"
	case metrics.LinkAdviceHold:
		return "keep the current link frequency"
	default:
		return ""
	}
}
