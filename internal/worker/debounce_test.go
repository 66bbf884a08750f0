package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncedSync_FiresOnceAfterQuietPeriod(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncedSync(20*time.Millisecond, func(ctx context.Context) { calls.Add(1) })

	ctx := context.Background()
	d.Notify(ctx)
	d.Notify(ctx)
	d.Notify(ctx)

	time.Sleep(60 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want exactly 1 after a burst of Notify calls", calls.Load())
	}
}

func TestDebouncedSync_RestartsTimerOnEachNotify(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncedSync(30*time.Millisecond, func(ctx context.Context) { calls.Add(1) })

	ctx := context.Background()
	d.Notify(ctx)
	time.Sleep(20 * time.Millisecond)
	d.Notify(ctx) // resets the 30ms window before it would have fired
	time.Sleep(20 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0: second Notify should have restarted the debounce window", calls.Load())
	}

	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 once the restarted window elapses", calls.Load())
	}
}

func TestDebouncedSync_DropsNotifyDuringInFlightRun(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	d := NewDebouncedSync(5*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
		<-release
	})

	ctx := context.Background()
	d.Notify(ctx)
	time.Sleep(20 * time.Millisecond) // let the first run start and block on release

	d.Notify(ctx) // dropped: a sync is in flight
	time.Sleep(20 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1: Notify during an in-flight run must be dropped", calls.Load())
	}

	close(release)
}

func TestDebouncedSync_StopCancelsPendingTimer(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncedSync(20*time.Millisecond, func(ctx context.Context) { calls.Add(1) })

	d.Notify(context.Background())
	d.Stop()
	time.Sleep(40 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0 after Stop cancels the pending timer", calls.Load())
	}
}
