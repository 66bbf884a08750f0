// Package statusapi is the minimal local HTTP surface for observing and
// triggering the daemon: health, last-backup/schedule status, and
// manual sync/backup triggers. Each handler depends on a narrow
// capability interface rather than a concrete engine type, routed
// through a chi router with RFC 7807 problem responses on failure.
package statusapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/bookmarksync/internal/backup"
	"github.com/hyperengineering/bookmarksync/internal/schedule"
	"github.com/hyperengineering/bookmarksync/internal/syncengine"
)

// Syncer triggers a SyncEngine transaction on demand.
type Syncer interface {
	Run(ctx context.Context) (syncengine.Result, error)
}

// Backer triggers a BackupEngine transaction on demand.
type Backer interface {
	Run(ctx context.Context, req backup.Request) (backup.Record, error)
}

// Handler serves the status API.
type Handler struct {
	scheduler    *schedule.Scheduler
	backups      backup.Store
	syncEngine   Syncer
	backupEngine Backer
	scheduleID   string
	deviceID     string
	version      string
	startedAt    time.Time

	// trigger collapses concurrent TriggerSync/TriggerBackup calls
	// (e.g. an HTTP trigger racing the daemon's own scan loop) into one
	// in-flight transaction, since BookmarkProvider/BlobStore are
	// single-writer per spec.md §5.
	trigger singleflight.Group
}

// NewHandler constructs a Handler. scheduleID names the single
// Schedule/BackupRecord series this device owns (spec.md §4.6: manual
// backups default to "manual", scheduled ones to the configured
// schedule id).
func NewHandler(scheduler *schedule.Scheduler, backups backup.Store, syncEngine Syncer, backupEngine Backer, scheduleID, deviceID, version string, startedAt time.Time) *Handler {
	return &Handler{
		scheduler: scheduler, backups: backups, syncEngine: syncEngine, backupEngine: backupEngine,
		scheduleID: scheduleID, deviceID: deviceID, version: version, startedAt: startedAt,
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	DeviceID      string `json:"device_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Health reports process liveness; never touches the database, so it
// stays cheap enough for frequent polling.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		Version:       h.version,
		DeviceID:      h.deviceID,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

type statusResponse struct {
	DeviceID   string            `json:"device_id"`
	Schedule   schedule.Schedule `json:"schedule"`
	LastBackup *backup.Record    `json:"last_backup,omitempty"`
}

// Status reports the current Schedule and the most recent BackupRecord
// in this device's series.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	sched, err := h.scheduler.Get()
	if err != nil {
		WriteProblemFromError(w, r, err)
		return
	}

	records, err := h.backups.ListRecords(h.scheduleID)
	if err != nil {
		WriteProblemFromError(w, r, err)
		return
	}

	resp := statusResponse{DeviceID: h.deviceID, Schedule: sched}
	if len(records) > 0 {
		resp.LastBackup = &records[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerSync runs one SyncEngine transaction synchronously and reports
// its outcome. A request arriving while another is already in flight
// waits for it and shares its result rather than starting a second,
// overlapping transaction.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	v, err, _ := h.trigger.Do("sync", func() (any, error) {
		return h.syncEngine.Run(r.Context())
	})
	if err != nil {
		WriteProblemFromError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v.(syncengine.Result))
}

// TriggerBackup runs one manual BackupEngine transaction and reports
// the resulting record. Concurrent callers share one in-flight
// transaction, same as TriggerSync.
func (h *Handler) TriggerBackup(w http.ResponseWriter, r *http.Request) {
	v, err, _ := h.trigger.Do("backup", func() (any, error) {
		return h.backupEngine.Run(r.Context(), backup.Request{Kind: backup.KindManual})
	})
	if err != nil {
		WriteProblemFromError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v.(backup.Record))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "statusapi", "error", err)
	}
}
