package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/backup"
	"github.com/nvandessel/floodgate/internal/pathutil"
	"github.com/nvandessel/floodgate/internal/store"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export all floodgate state to a backup file",
		Long: `Backup quota history, duplicate history, link cooldowns, breaker state
and the metrics log to a compressed file.

Default location: .floodgate/backups/floodgate-backup-YYYYMMDD-HHMMSS.mmm.gz
Keeps the last 10 backups unless --keep or --max-age say otherwise.

Examples:
  floodgate backup                           # Backup to default location
  floodgate backup --output state.gz         # Backup to specific file
  floodgate backup --keep 5 --max-age 30d    # Keep 5 backups plus any from the last 30 days
  floodgate backup list                      # List all backups
  floodgate backup verify <file>             # Verify backup integrity`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			outputPath, _ := cmd.Flags().GetString("output")
			keep, _ := cmd.Flags().GetInt("keep")
			maxAge, _ := cmd.Flags().GetString("max-age")

			policy, err := buildRetentionPolicy(keep, maxAge, time.Now())
			if err != nil {
				return err
			}

			now := time.Now()
			if outputPath == "" {
				outputPath = backup.GeneratePath(backup.Dir(root), now)
			}
			if err := pathutil.ValidatePath(outputPath, pathutil.AllowedBackupDirs(root)); err != nil {
				return fmt.Errorf("backup path rejected: %w", err)
			}

			st, err := store.NewSQLiteStore(root)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			header, err := backup.Backup(context.Background(), st, outputPath, now)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			deleted, err := backup.ApplyRetention(filepath.Dir(outputPath), policy)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to apply retention: %v\n", err)
			}

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"path":     outputPath,
					"counts":   header.Counts,
					"checksum": header.Checksum,
					"deleted":  deleted,
				})
			}

			c := header.Counts
			fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %d budget events, %d dedup records, %d link uses, %d metrics entries\n",
				c.BudgetEvents, c.DedupRecords, c.LinkUses, c.Metrics)
			fmt.Fprintf(cmd.OutOrStdout(), "  Path: %s\n", outputPath)
			if len(deleted) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "  Removed %d old backup(s)\n", len(deleted))
			}
			return nil
		},
	}

	cmd.Flags().String("output", "", "Output file path inside .floodgate/backups/ or ~/.floodgate/backups/ (default: auto-generated)")
	cmd.Flags().Int("keep", 10, "Number of most recent backups to keep (0 disables count retention)")
	cmd.Flags().String("max-age", "", "Also keep backups younger than this (e.g. 30d, 2w, 72h)")

	cmd.AddCommand(
		newBackupListCmd(),
		newBackupVerifyCmd(),
	)

	return cmd
}

// buildRetentionPolicy combines the count and age flags. A backup survives
// when either policy keeps it.
func buildRetentionPolicy(keep int, maxAge string, now time.Time) (backup.RetentionPolicy, error) {
	var policies []backup.RetentionPolicy

	if keep > 0 {
		policies = append(policies, &backup.CountPolicy{MaxCount: keep})
	}
	if maxAge != "" {
		d, err := backup.ParseDuration(maxAge)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-age: %w", err)
		}
		policies = append(policies, &backup.AgePolicy{MaxAge: d, Now: now})
	}

	switch len(policies) {
	case 0:
		return nil, fmt.Errorf("retention needs --keep > 0 or --max-age")
	case 1:
		return policies[0], nil
	default:
		return &backup.CompositePolicy{Policies: policies}, nil
	}
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")

			infos, err := backup.List(backup.Dir(root))
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}

			if jsonFlag(cmd) {
				if infos == nil {
					infos = []backup.Info{}
				}
				return writeJSON(cmd.OutOrStdout(), infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backups found.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tSIZE\tMETRICS\tFILE")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n",
					info.CreatedAt.Local().Format(time.DateTime), info.Size, info.Counts.Metrics, filepath.Base(info.Path))
			}
			return tw.Flush()
		},
	}
}

func newBackupVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify a backup's checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			header, err := backup.ReadHeader(path)
			if err != nil {
				return fmt.Errorf("failed to read backup header: %w", err)
			}
			verr := backup.VerifyChecksum(path)

			if jsonFlag(cmd) {
				out := map[string]any{
					"path":       path,
					"valid":      verr == nil,
					"version":    header.Version,
					"created_at": header.CreatedAt,
				}
				if verr != nil {
					out["error"] = verr.Error()
				}
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				return verr
			}

			if verr != nil {
				return fmt.Errorf("backup %s is corrupt: %w", path, verr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup OK (version %d, created %s)\n",
				header.Version, header.CreatedAt.Local().Format(time.DateTime))
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace all floodgate state with a backup",
		Long: `Restore floodgate state from a backup file. The file is verified first;
on success every table is replaced.

Example:
  floodgate restore .floodgate/backups/floodgate-backup-20260301-120000.000.gz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")

			if err := pathutil.ValidatePath(args[0], pathutil.AllowedBackupDirs(root)); err != nil {
				return fmt.Errorf("restore path rejected: %w", err)
			}
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("cannot read backup: %w", err)
			}

			st, err := store.NewSQLiteStore(root)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			result, err := backup.Restore(context.Background(), st, args[0])
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			c := result.Counts
			fmt.Fprintf(cmd.OutOrStdout(), "Restored backup from %s\n", result.CreatedAt.Local().Format(time.DateTime))
			fmt.Fprintf(cmd.OutOrStdout(), "  %d budget events, %d dedup records, %d link uses, %d metrics entries\n",
				c.BudgetEvents, c.DedupRecords, c.LinkUses, c.Metrics)
			return nil
		},
	}
}
