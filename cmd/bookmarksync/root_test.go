package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/bookmarksync/internal/backup"
	"github.com/hyperengineering/bookmarksync/internal/blobstore"
	"github.com/hyperengineering/bookmarksync/internal/localbookmarks"
	"github.com/hyperengineering/bookmarksync/internal/localstore"
	"github.com/hyperengineering/bookmarksync/internal/resourcemon"
	"github.com/hyperengineering/bookmarksync/internal/retryqueue"
	"github.com/hyperengineering/bookmarksync/internal/schedule"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	store, err := localstore.NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider, err := localbookmarks.NewProvider(filepath.Join(t.TempDir(), "bookmarks.json"))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	blobs, err := blobstore.NewLocalBlobStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("NewLocalBlobStore() error = %v", err)
	}

	deviceID, err := store.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID() error = %v", err)
	}

	backupEngine := backup.NewEngine(provider, blobs, store, deviceID, "folder-1")
	scheduler := schedule.New(store, "default", func() time.Time { return time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC) })

	sched := schedule.Schedule{
		ID: "default", Enabled: true, Frequency: schedule.Daily,
		Hour: 2, Minute: 0, Timezone: "UTC", RetainCount: 2,
		NextRun: time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC),
	}
	if err := store.PutSchedule(sched); err != nil {
		t.Fatalf("PutSchedule() error = %v", err)
	}

	return &app{
		store:        store,
		provider:     provider,
		blobs:        blobs,
		deviceID:     deviceID,
		folderID:     "folder-1",
		monitor:      resourcemon.New(nil, nil, nil, nil),
		scheduler:    scheduler,
		backupEngine: backupEngine,
	}
}

func TestRunMainScan_DueAndAllowedRunsBackupAndAdvances(t *testing.T) {
	a := newTestApp(t)
	deferredQueue := retryqueue.NewQueue()

	if err := a.runMainScan(context.Background(), deferredQueue, nil); err != nil {
		t.Fatalf("runMainScan() error = %v", err)
	}

	records, err := a.store.ListRecords("default")
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ListRecords() = %d records, want 1", len(records))
	}
	if records[0].Status != backup.StatusCompleted {
		t.Errorf("record status = %v, want Completed", records[0].Status)
	}

	sched, err := a.scheduler.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sched.LastRun == nil {
		t.Error("schedule LastRun not set after runMainScan")
	}
	if !sched.NextRun.After(time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC)) {
		t.Error("schedule NextRun did not advance")
	}
}

type fakeDischargingBattery struct{}

func (fakeDischargingBattery) Sample() (percent int, discharging bool, ok bool) { return 10, true, true }

func TestRunMainScan_DeniedDefersAndAdvancesSchedule(t *testing.T) {
	a := newTestApp(t)
	a.monitor = resourcemon.New(fakeDischargingBattery{}, nil, nil, nil)
	deferredQueue := retryqueue.NewQueue()

	if err := a.runMainScan(context.Background(), deferredQueue, nil); err != nil {
		t.Fatalf("runMainScan() error = %v", err)
	}

	records, err := a.store.ListRecords("default")
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("ListRecords() = %d records, want 0 (resource-denied scan must not upload)", len(records))
	}
	if deferredQueue.Len() != 1 {
		t.Fatalf("deferredQueue.Len() = %d, want 1", deferredQueue.Len())
	}

	sched, err := a.scheduler.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !sched.NextRun.After(time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC)) {
		t.Error("a denied scan must still advance NextRun so it does not immediately re-trigger itself")
	}
}

func TestRetryDispatcher_RetryReconcilesOntoOriginalRecord(t *testing.T) {
	a := newTestApp(t)

	rec, err := a.backupEngine.Run(context.Background(), backup.Request{Kind: backup.KindScheduled, ScheduleID: "default"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Force the record back to a failed state, as if the original
	// attempt had failed and been queued for retry.
	rec.Status = backup.StatusFailed
	rec.Error = "simulated failure"
	if err := a.store.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}

	d := &retryDispatcher{app: a}
	if err := d.Retry(context.Background(), rec.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	reconciled, err := a.store.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if reconciled.Status != backup.StatusCompleted {
		t.Errorf("reconciled status = %v, want Completed", reconciled.Status)
	}
	if reconciled.Error != "" {
		t.Errorf("reconciled error = %q, want empty", reconciled.Error)
	}

	records, err := a.store.ListRecords("default")
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("ListRecords() = %d records, want 1 (no duplicate from the fresh attempt)", len(records))
	}
}

func TestParseHHMM(t *testing.T) {
	hour, minute, err := parseHHMM("14:30")
	if err != nil {
		t.Fatalf("parseHHMM() error = %v", err)
	}
	if hour != 14 || minute != 30 {
		t.Errorf("parseHHMM() = (%d, %d), want (14, 30)", hour, minute)
	}

	if _, _, err := parseHHMM("garbage"); err == nil {
		t.Error("parseHHMM(garbage) expected error, got nil")
	}
}

func TestExpandHome(t *testing.T) {
	if got := expandHome("data/bookmarksync.db"); got != "data/bookmarksync.db" {
		t.Errorf("expandHome(relative) = %q, want unchanged", got)
	}
	if got := expandHome("~/.bookmarksync/blobs"); got == "~/.bookmarksync/blobs" {
		t.Errorf("expandHome(~) did not expand: %q", got)
	}
}
