package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/store"
)

// EnvFile holds per-project environment overrides inside .floodgate/.
const EnvFile = ".env"

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "floodgate",
		Short: "Admission control for automated social actions",
		Long: `floodgate decides whether an automated account may take an action right now.

It enforces rolling quotas per action type, rejects duplicate or
near-duplicate content, keeps promotional links on cooldown, gates
generated text on quality, and pauses everything after repeated failures.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			return loadEnvFile(root)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("root", ".", "Project root directory")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.floodgate/config.yaml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newCheckCmd(),
		newRecordCmd(),
		newFailCmd(),
		newStatusCmd(),
		newSummaryCmd(),
		newEngagementCmd(),
		newEvaluateCmd(),
		newPickLinkCmd(),
		newDecisionsCmd(),
		newConfigCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newMCPServerCmd(),
	)

	return rootCmd
}

// loadEnvFile applies root/.floodgate/.env when present. Variables already
// set in the environment win.
func loadEnvFile(root string) error {
	path := filepath.Join(store.LocalPath(root), EnvFile)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
