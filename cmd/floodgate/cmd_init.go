package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/store"
)

const envTemplate = `# Environment overrides for floodgate in this project.
# Variables already set in the shell take precedence.
#
# FLOODGATE_LOG_LEVEL=debug
# FLOODGATE_GLOBAL_LIMIT=30
# FLOODGATE_SIMILARITY_THRESHOLD=0.75
# FLOODGATE_LINK_COOLDOWN=30m
# FLOODGATE_BREAKER_THRESHOLD=3
# FLOODGATE_BREAKER_PAUSE=1h
# FLOODGATE_TOKEN_TTL=10m
# FLOODGATE_METRICS_ADDR=127.0.0.1:9464
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize floodgate state in the project root",
		Long: `Create .floodgate/ with an empty database and an .env template.
Running init again leaves existing files alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			dir := store.LocalPath(root)

			st, err := store.NewSQLiteStore(root)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			if err := st.Close(); err != nil {
				return fmt.Errorf("failed to close database: %w", err)
			}

			envPath := filepath.Join(dir, EnvFile)
			if _, err := os.Stat(envPath); os.IsNotExist(err) {
				if err := os.WriteFile(envPath, []byte(envTemplate), 0600); err != nil {
					return fmt.Errorf("failed to create %s: %w", EnvFile, err)
				}
			}

			if jsonFlag(cmd) {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"status":   "initialized",
					"path":     dir,
					"database": store.DBPath(root),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", dir)
			fmt.Fprintf(cmd.OutOrStdout(), "  Database: %s\n", store.DBPath(root))
			return nil
		},
	}
}
