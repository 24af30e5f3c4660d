package main

import (
	"context"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/logging"
	"github.com/nvandessel/floodgate/internal/mcp"
)

func newMCPServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Run floodgate as an MCP server over stdio",
		Long: `Serve the floodgate tools to an MCP client over stdin/stdout.

Unlike the one-shot commands, the server holds admission tokens in
memory, so agents can use floodgate_try_admit and floodgate_complete
without racing each other.

Examples:
  floodgate mcp-server
  floodgate mcp-server --metrics-addr 127.0.0.1:9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
				cfg.MCP.MetricsAddr = addr
			}

			// stdout carries the protocol; logs go to stderr.
			server, err := mcp.NewServer(&mcp.Config{
				Name:     "floodgate",
				Version:  versioninfo.Short(),
				Root:     root,
				Settings: cfg,
				Logger:   logging.NewLogger(cfg.Logging.Level, os.Stderr),
			})
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}

			return server.Run(context.Background())
		},
	}

	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics at this address (overrides mcp.metrics_addr)")

	return cmd
}
