package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/bookmarksync/internal/backup"
	"github.com/hyperengineering/bookmarksync/internal/config"
)

var restoreDedup bool

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Replace the live bookmark tree with an archived backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreDedup, "dedup", false, "merge links sharing a URL within the same folder before applying")
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.backupEngine.Restore(cmd.Context(), args[0], backup.RestoreOptions{Dedup: restoreDedup}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored tree from backup %s\n", args[0])
	return nil
}
