package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/bookmarksync/internal/backup"
	"github.com/hyperengineering/bookmarksync/internal/config"
)

var (
	backupJSONOutput bool
	backupNotes      string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one manual BackupEngine transaction",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

func init() {
	backupCmd.Flags().BoolVar(&backupJSONOutput, "json", false, "output result as JSON")
	backupCmd.Flags().StringVar(&backupNotes, "notes", "", "optional note attached to the backup record")
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.backupEngine.Run(cmd.Context(), backup.Request{Kind: backup.KindManual, Notes: backupNotes})
	if err != nil {
		return err
	}

	if backupJSONOutput {
		return printJSON(cmd.OutOrStdout(), rec)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "ID:\t%s\n", rec.ID)
	fmt.Fprintf(w, "Status:\t%s\n", rec.Status)
	fmt.Fprintf(w, "Bytes:\t%s\n", formatSize(rec.Bytes))
	fmt.Fprintf(w, "Bookmarks:\t%d\n", rec.BookmarkCount)
	fmt.Fprintf(w, "Folders:\t%d\n", rec.FolderCount)
	return w.Flush()
}
