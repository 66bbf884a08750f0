package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/bookmarksync/internal/config"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Enforce the default schedule's retention policy against completed backups",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler.Get()
	if err != nil {
		return err
	}
	if err := a.backupEngine.EnforceRetention(sched.ID, sched.RetainCount); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "retention enforced: keeping newest %d completed backups for schedule %q\n", sched.RetainCount, sched.ID)
	return nil
}
