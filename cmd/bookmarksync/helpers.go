package main

import (
	"encoding/json"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatSize returns a human-readable file size (e.g. "4.2 MB").
func formatSize(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}

// formatRelativeTime returns a human-readable relative time (e.g. "3
// hours ago"), used in table output where an absolute RFC3339 stamp
// would force the reader to do the subtraction themselves.
func formatRelativeTime(t time.Time) string {
	return humanize.Time(t)
}

// stdoutIsTerminal reports whether stdout is attached to an interactive
// terminal rather than piped or redirected; the status command prints
// human-readable output only in this case and otherwise behaves as if
// --json was requested, so scripted/piped invocations get
// machine-readable output without an explicit flag.
func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
