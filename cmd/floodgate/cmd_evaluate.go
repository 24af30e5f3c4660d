package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/quality"
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <text>",
		Short: "Run the quality gate on a candidate text",
		Long: `Check generated text against the quality profile for its category
without admitting or recording anything. Pass "-" to read stdin.

Examples:
  floodgate evaluate "Payrolls rose 150k in March, which suggests..."
  floodgate evaluate --category thesis - < draft.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")

			text, err := readText(cmd, args[0])
			if err != nil {
				return err
			}
			c := quality.Candidate{Text: text, Category: category}
			if cmd.Flags().Changed("confidence") {
				conf, _ := cmd.Flags().GetFloat64("confidence")
				c.Confidence = &conf
			}

			// The gate is stateless; no store is opened.
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			v := quality.New(cfg.Quality, nil).Evaluate(c)

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), v)
			}
			if v.Passed {
				fmt.Fprintln(cmd.OutOrStdout(), "Passed")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected: %s\n", v.Reason)
			if v.Detail != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  Detail: %s\n", v.Detail)
			}
			return nil
		},
	}

	cmd.Flags().String("category", "", "Category selecting the quality profile")
	cmd.Flags().Float64("confidence", 0, "Generator self-reported confidence (0-100)")

	return cmd
}

func newPickLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pick-link <url>",
		Short: "Pick a link or an equivalent that is not cooling down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			link := app.engine.PickLink(args[0])
			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"link":    link,
					"variant": link != args[0],
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), link)
			return nil
		},
	}
}
