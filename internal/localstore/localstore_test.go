package localstore

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/bookmarksync/internal/backup"
	"github.com/hyperengineering/bookmarksync/internal/retryqueue"
	"github.com/hyperengineering/bookmarksync/internal/schedule"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetSettingsDefaultsWhenUnset(t *testing.T) {
	s := newTestStore(t)
	settings, err := s.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if settings != DefaultSettings() {
		t.Errorf("GetSettings() = %+v, want defaults", settings)
	}
}

func TestStore_SettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := Settings{Mode: "host_to_many", AutoSync: false, SyncInterval: 30 * time.Minute, Theme: "dark", VerboseLogs: true}
	if err := s.PutSettings(want); err != nil {
		t.Fatalf("PutSettings() error = %v", err)
	}
	got, err := s.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if got != want {
		t.Errorf("GetSettings() = %+v, want %+v", got, want)
	}

	want.Theme = "light"
	if err := s.PutSettings(want); err != nil {
		t.Fatalf("PutSettings() update error = %v", err)
	}
	got, err = s.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if got.Theme != "light" {
		t.Errorf("Theme = %q, want light after update", got.Theme)
	}
}

func TestStore_DeviceIDIsStableAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	first, err := s.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID() error = %v", err)
	}
	if first == "" {
		t.Fatal("DeviceID() returned empty string")
	}
	second, err := s.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID() error = %v", err)
	}
	if first != second {
		t.Errorf("DeviceID() = %q then %q, want stable id", first, second)
	}
}

func TestStore_GetScheduleNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSchedule("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSchedule() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ScheduleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := schedule.Schedule{
		ID: "default", Enabled: true, Frequency: schedule.Daily,
		Hour: 3, Minute: 30, Timezone: "UTC", RetainCount: 5,
		NextRun: time.Date(2026, 3, 6, 3, 30, 0, 0, time.UTC),
	}
	if err := s.PutSchedule(want); err != nil {
		t.Fatalf("PutSchedule() error = %v", err)
	}
	got, err := s.GetSchedule("default")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if got.Frequency != want.Frequency || got.Hour != want.Hour || got.RetainCount != want.RetainCount {
		t.Errorf("GetSchedule() = %+v, want %+v", got, want)
	}

	want.RetainCount = 10
	if err := s.PutSchedule(want); err != nil {
		t.Fatalf("PutSchedule() update error = %v", err)
	}
	got, err = s.GetSchedule("default")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if got.RetainCount != 10 {
		t.Errorf("RetainCount = %d, want 10 after update", got.RetainCount)
	}
}

func TestStore_BackupRecordRoundTripAndList(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	records := []backup.Record{
		{ID: "rec-1", ScheduleID: "default", Status: backup.StatusCompleted, CreatedAt: base},
		{ID: "rec-2", ScheduleID: "default", Status: backup.StatusCompleted, CreatedAt: base.Add(time.Hour)},
		{ID: "rec-3", ScheduleID: "other", Status: backup.StatusCompleted, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, rec := range records {
		if err := s.PutRecord(rec); err != nil {
			t.Fatalf("PutRecord(%s) error = %v", rec.ID, err)
		}
	}

	got, err := s.GetRecord("rec-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got.ID != "rec-1" || got.Status != backup.StatusCompleted {
		t.Errorf("GetRecord() = %+v", got)
	}

	list, err := s.ListRecords("default")
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "rec-2" || list[1].ID != "rec-1" {
		t.Errorf("ListRecords() = %+v, want [rec-2, rec-1]", list)
	}

	if err := s.DeleteRecord("rec-1"); err != nil {
		t.Fatalf("DeleteRecord() error = %v", err)
	}
	if _, err := s.GetRecord("rec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_PendingRetriesAndSaveRetryState(t *testing.T) {
	s := newTestStore(t)
	due := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := backup.Record{ID: "rec-1", ScheduleID: "default", Status: backup.StatusRetryPending, Attempt: 1, NextRetryAt: &due, CreatedAt: due}
	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}
	completed := backup.Record{ID: "rec-2", ScheduleID: "default", Status: backup.StatusCompleted, CreatedAt: due}
	if err := s.PutRecord(completed); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}

	pending, err := s.PendingRetries()
	if err != nil {
		t.Fatalf("PendingRetries() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("PendingRetries() = %+v, want exactly one pending record", pending)
	}
	state, ok := pending["rec-1"]
	if !ok {
		t.Fatal("PendingRetries() missing rec-1")
	}
	if state.Status != retryqueue.StatusRetryPending || state.Attempt != 1 || !state.NextRetryAt.Equal(due) {
		t.Errorf("PendingRetries()[rec-1] = %+v", state)
	}

	next := due.Add(10 * time.Minute)
	if err := s.SaveRetryState("rec-1", retryqueue.RetryState{Status: retryqueue.StatusInProgress, Attempt: 2, NextRetryAt: next}); err != nil {
		t.Fatalf("SaveRetryState() error = %v", err)
	}
	updated, err := s.GetRecord("rec-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if updated.Status != backup.StatusInProgress || updated.Attempt != 2 || updated.NextRetryAt == nil || !updated.NextRetryAt.Equal(next) {
		t.Errorf("GetRecord() after SaveRetryState = %+v", updated)
	}

	pendingAfter, err := s.PendingRetries()
	if err != nil {
		t.Fatalf("PendingRetries() error = %v", err)
	}
	if len(pendingAfter) != 0 {
		t.Errorf("PendingRetries() = %+v, want none once rec-1 left retry_pending", pendingAfter)
	}
}

func TestStore_DeferredItemsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entropy := ulid.Monotonic(rand.Reader, 0)
	item := retryqueue.NewDeferredWorkItem("default", now.Add(-3*time.Hour), now, entropy)
	if err := s.SaveDeferredItem(item); err != nil {
		t.Fatalf("SaveDeferredItem() error = %v", err)
	}

	items, err := s.ListDeferredItems()
	if err != nil {
		t.Fatalf("ListDeferredItems() error = %v", err)
	}
	if len(items) != 1 || items[0].ID != item.ID || items[0].Priority != item.Priority {
		t.Fatalf("ListDeferredItems() = %+v, want [%+v]", items, item)
	}

	if err := s.DeleteDeferredItem(item.ID); err != nil {
		t.Fatalf("DeleteDeferredItem() error = %v", err)
	}
	items, err = s.ListDeferredItems()
	if err != nil {
		t.Fatalf("ListDeferredItems() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("ListDeferredItems() = %+v, want empty after delete", items)
	}
}
