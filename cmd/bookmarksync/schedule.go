package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/bookmarksync/internal/config"
	"github.com/hyperengineering/bookmarksync/internal/schedule"
)

var scheduleJSONOutput bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect or update the default backup schedule",
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current schedule",
	Args:  cobra.NoArgs,
	RunE:  runScheduleShow,
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set <frequency> <hh:mm>",
	Short: "Update the schedule's frequency and fire time",
	Long:  "frequency is one of hourly, daily, weekly, monthly. hh:mm is the 24-hour time of day the schedule fires (ignored for hourly, where only mm applies).",
	Args:  cobra.ExactArgs(2),
	RunE:  runScheduleSet,
}

func init() {
	scheduleCmd.PersistentFlags().BoolVar(&scheduleJSONOutput, "json", false, "output as JSON")
	scheduleCmd.AddCommand(scheduleShowCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
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
	return printSchedule(cmd, sched)
}

func runScheduleSet(cmd *cobra.Command, args []string) error {
	freq := schedule.Frequency(args[0])
	hour, minute, err := parseHHMM(args[1])
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler.Update(schedule.Patch{
		Frequency: &freq,
		Hour:      &hour,
		Minute:    &minute,
	})
	if err != nil {
		return err
	}
	return printSchedule(cmd, sched)
}

func printSchedule(cmd *cobra.Command, sched schedule.Schedule) error {
	if scheduleJSONOutput {
		return printJSON(cmd.OutOrStdout(), sched)
	}
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Enabled:\t%v\n", sched.Enabled)
	fmt.Fprintf(w, "Frequency:\t%s\n", sched.Frequency)
	fmt.Fprintf(w, "Time:\t%02d:%02d\n", sched.Hour, sched.Minute)
	fmt.Fprintf(w, "Retain:\t%d\n", sched.RetainCount)
	fmt.Fprintf(w, "Next run:\t%s\n", sched.NextRun.Format("2006-01-02T15:04:05Z07:00"))
	return w.Flush()
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	return hour, minute, nil
}
