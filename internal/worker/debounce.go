package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DebouncedSync collapses bursts of BookmarkProvider change events into
// a single sync call, per spec.md §5: "debounce state is single-
// threaded and drops subsequent events during an in-flight sync." It
// is event-driven (a time.Timer reset on each Notify) rather than a
// fixed periodic tick.
type DebouncedSync struct {
	debounce time.Duration
	run      func(ctx context.Context)

	mu       sync.Mutex
	timer    *time.Timer
	inFlight atomic.Bool
}

// NewDebouncedSync builds a debouncer that calls run at most once per
// debounce window of quiet after the last Notify.
func NewDebouncedSync(debounce time.Duration, run func(ctx context.Context)) *DebouncedSync {
	return &DebouncedSync{debounce: debounce, run: run}
}

// Notify records a change event. If a sync is already running, the
// event is dropped: the in-flight sync will already observe the change
// once it re-exports the live tree. Otherwise it (re)starts the
// debounce timer.
func (d *DebouncedSync) Notify(ctx context.Context) {
	if d.inFlight.Load() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight.Load() {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.debounce, func() { d.fire(ctx) })
}

func (d *DebouncedSync) fire(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer d.inFlight.Store(false)

	if ctx.Err() != nil {
		return
	}
	slog.Debug("debounced sync firing", "component", "worker", "worker", "observer-sync")
	d.run(ctx)
}

// Stop cancels any pending debounce timer without running it.
func (d *DebouncedSync) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
