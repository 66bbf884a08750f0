// Package worker runs the independent scan loops of spec.md §4.4/§4.5
// and the debounced observer-triggered sync of spec.md §5: a
// ticker-owning component with a blocking Run(ctx) method, slog
// start/stop/cycle logging, and graceful exit on ctx.Done().
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Coordinator runs one named scan loop on a fixed interval. The three
// scans spec.md §4.4 requires (main, retry, deferred) are three
// Coordinator instances sharing the same busy flag, composed in
// cmd/bookmarksync's run().
type Coordinator struct {
	name         string
	interval     time.Duration
	runImmediate bool
	busy         *atomic.Bool
	fn           func(ctx context.Context) error
}

// NewCoordinator builds a Coordinator. busy is the process-wide
// single-writer guard (spec.md §5: "the Schedule, the BackupRecord
// list, and the DeferredWorkItem queue are shared but single-writer per
// scan"); pass the same *atomic.Bool to every Coordinator sharing that
// state so overlapping ticks skip rather than race. runImmediate makes
// the loop process once on start instead of waiting out the first
// interval.
func NewCoordinator(name string, interval time.Duration, busy *atomic.Bool, runImmediate bool, fn func(ctx context.Context) error) *Coordinator {
	return &Coordinator{name: name, interval: interval, busy: busy, runImmediate: runImmediate, fn: fn}
}

// Run blocks until ctx is cancelled, invoking fn on each tick.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("coordinator started", "component", "worker", "worker", c.name, "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if c.runImmediate {
		c.tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("coordinator stopped", "component", "worker", "worker", c.name, "reason", "context_cancelled")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if !c.busy.CompareAndSwap(false, true) {
		slog.Debug("scan skipped, another scan is in progress", "component", "worker", "worker", c.name)
		return
	}
	defer c.busy.Store(false)

	start := time.Now()
	if err := c.fn(ctx); err != nil {
		if ctx.Err() != nil {
			return // graceful shutdown, don't log as error
		}
		slog.Error("scan failed", "component", "worker", "worker", c.name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	slog.Debug("scan completed", "component", "worker", "worker", c.name, "duration_ms", time.Since(start).Milliseconds())
}
