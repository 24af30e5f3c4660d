package main

import (
	"fmt"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonFlag(cmd) {
				_ = writeJSON(cmd.OutOrStdout(), map[string]any{
					"version": versioninfo.Version,
					"commit":  versioninfo.Revision,
					"date":    versioninfo.LastCommit,
					"dirty":   versioninfo.DirtyBuild,
				})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "floodgate version %s\n", versioninfo.Short())
		},
	}
}
