package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/bookmarksync/internal/config"
)

var syncJSONOutput bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one SyncEngine transaction against the configured remote folder",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncJSONOutput, "json", false, "output result as JSON")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.syncEngine.Run(cmd.Context())
	if err != nil {
		return err
	}

	if syncJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"no_remote": result.NoRemote,
			"up_to_date": result.UpToDate,
			"applied":   result.Applied,
			"wrote":     result.Wrote,
			"conflicts": len(result.Conflicts),
		})
	}

	switch {
	case result.NoRemote:
		fmt.Fprintln(cmd.OutOrStdout(), "no remote snapshot found; uploaded local tree as the initial one")
	case result.UpToDate:
		fmt.Fprintln(cmd.OutOrStdout(), "already up to date")
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "sync complete: applied=%v wrote=%v conflicts=%d\n", result.Applied, result.Wrote, len(result.Conflicts))
	}
	return nil
}
