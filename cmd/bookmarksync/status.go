package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/bookmarksync/internal/config"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current schedule and the most recent backup record",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	records, err := a.store.ListRecords("default")
	if err != nil {
		return err
	}

	if statusJSONOutput || !stdoutIsTerminal() {
		out := map[string]any{
			"device_id": a.deviceID,
			"schedule":  sched,
		}
		if len(records) > 0 {
			out["last_backup"] = records[0]
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Device:\t%s\n", a.deviceID)
	fmt.Fprintf(w, "Schedule:\t%s at %02d:%02d (next %s)\n", sched.Frequency, sched.Hour, sched.Minute,
		sched.NextRun.Format("2006-01-02T15:04:05Z07:00"))
	if len(records) == 0 {
		fmt.Fprintln(w, "Last backup:\tnone")
		return w.Flush()
	}
	last := records[0]
	completed := "in progress"
	if last.CompletedAt != nil {
		completed = formatRelativeTime(*last.CompletedAt)
	}
	fmt.Fprintf(w, "Last backup:\t%s (%s, %s, completed %s)\n", last.ID, last.Status, formatSize(last.Bytes), completed)
	return w.Flush()
}
