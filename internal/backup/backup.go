// Package backup implements the BackupEngine transaction of spec.md
// §4.6: snapshot, diff, optionally encrypt, upload, record, and enforce
// retention, all keyed by an idempotent BackupRecord id so a retried
// transaction never duplicates a blob.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"

	"github.com/hyperengineering/bookmarksync/internal/booktree"
	"github.com/hyperengineering/bookmarksync/internal/crypto"
	"github.com/hyperengineering/bookmarksync/internal/delta"
	"github.com/hyperengineering/bookmarksync/internal/errkind"
	"github.com/hyperengineering/bookmarksync/internal/retryqueue"
	"github.com/hyperengineering/bookmarksync/pkg/bookmarkapi"
)

// Kind distinguishes why a backup was taken (spec.md §3).
type Kind string

const (
	KindManual    Kind = "manual"
	KindScheduled Kind = "scheduled"
	KindAuto      Kind = "auto"
)

// Status is a BackupRecord's position in its own lifecycle (spec.md
// §4.6, sharing vocabulary with retryqueue's state machine for
// Failed/RetryPending).
type Status string

const (
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusRetryPending Status = "retry_pending"
)

// ManualScheduleID is the implicit schedule_id attached to a manual
// backup that names no schedule, with unlimited retention by default
// (spec.md §9 open-question resolution).
const ManualScheduleID = "manual"

// Record is a single backup attempt and its outcome (spec.md §3).
type Record struct {
	ID            string
	Kind          Kind
	Status        Status
	CreatedAt     time.Time
	CompletedAt   *time.Time
	Attempt       int
	MaxAttempts   int
	RetryCount    int
	NextRetryAt   *time.Time
	BlobID        string
	RootHash      string // the TreeSnapshot hash this record uploaded, for the idempotence check
	Bytes         int64
	BookmarkCount int
	FolderCount   int
	Error         string
	ScheduleID    string
	BaseBackupID  string
	Notes         string // free-text annotation attached to manual backups
}

// Store persists BackupRecords under a schedule_id.
type Store interface {
	PutRecord(Record) error
	GetRecord(id string) (Record, error)
	ListRecords(scheduleID string) ([]Record, error) // newest first
	DeleteRecord(id string) error
}

// Engine runs the end-to-end backup transaction.
type Engine struct {
	provider   bookmarkapi.BookmarkProvider
	blobs      bookmarkapi.BlobStore
	store      Store
	crypto     *crypto.Engine // nil disables encryption
	passphrase string
	deviceID   string
	folderID   string
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCrypto enables envelope encryption for uploaded backups.
func WithCrypto(engine *crypto.Engine, passphrase string) Option {
	return func(e *Engine) { e.crypto = engine; e.passphrase = passphrase }
}

// WithClock overrides the Engine's notion of now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs a BackupEngine. folderID is the BlobStore
// container backups upload into (from BlobStore.FindOrCreateFolder).
func NewEngine(provider bookmarkapi.BookmarkProvider, blobs bookmarkapi.BlobStore, store Store, deviceID, folderID string, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		blobs:    blobs,
		store:    store,
		deviceID: deviceID,
		folderID: folderID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request describes one backup invocation.
type Request struct {
	Kind        Kind
	ScheduleID  string // empty defaults to ManualScheduleID for Kind==Manual
	Incremental bool
	Notes       string
}

// ErrBackupFailed wraps the underlying cause of a failed transaction.
var ErrBackupFailed = errors.New("backup: transaction failed")

// Run executes the transaction of spec.md §4.6. On any failure from
// step 2 onward, the record is returned alongside the error: marked
// RetryPending with its next retry time when the cause is transient and
// retry attempts remain, Failed otherwise.
func (e *Engine) Run(ctx context.Context, req Request) (Record, error) {
	scheduleID := req.ScheduleID
	if scheduleID == "" && req.Kind == KindManual {
		scheduleID = ManualScheduleID
	}

	rec := Record{
		ID:          newID(e.now()),
		Kind:        req.Kind,
		Status:      StatusInProgress,
		CreatedAt:   e.now(),
		MaxAttempts: 3,
		ScheduleID:  scheduleID,
		Notes:       req.Notes,
	}
	if err := e.store.PutRecord(rec); err != nil {
		return rec, fmt.Errorf("%w: persist initial record: %s", ErrBackupFailed, err)
	}

	snapshot, err := e.provider.Export(ctx, e.deviceID)
	if err != nil {
		return e.fail(rec, err)
	}
	folders, links := booktree.CountKinds(snapshot.Nodes)
	rec.BookmarkCount = links
	rec.FolderCount = folders
	rec.RootHash = snapshot.RootHash

	previous := mostRecentCompleted(e.store, scheduleID)

	if previous != nil && previous.RootHash == snapshot.RootHash {
		// Idempotence law: identical tree content, skip the upload.
		rec.Status = StatusCompleted
		rec.Bytes = 0
		rec.BlobID = previous.BlobID
		completedAt := e.now()
		rec.CompletedAt = &completedAt
		if err := e.store.PutRecord(rec); err != nil {
			return rec, fmt.Errorf("%w: persist completed record: %s", ErrBackupFailed, err)
		}
		e.enforceRetentionBestEffort(scheduleID)
		return rec, nil
	}

	payload, err := e.encodePayload(ctx, previous, snapshot, req.Incremental)
	if err != nil {
		return e.fail(rec, err)
	}

	if e.crypto != nil {
		env, err := e.crypto.Encrypt(payload, e.passphrase)
		if err != nil {
			return e.fail(rec, fmt.Errorf("%w: %s", crypto.ErrCrypto, err))
		}
		payload, err = env.Marshal()
		if err != nil {
			return e.fail(rec, err)
		}
	}

	filename := fmt.Sprintf("bookmarks_%s.json", snapshot.Timestamp.UTC().Format("20060102T150405Z"))

	info, err := e.uploadIdempotent(ctx, filename, payload)
	if err != nil {
		return e.fail(rec, err)
	}

	rec.Status = StatusCompleted
	rec.BlobID = info.ID
	rec.Bytes = info.Size
	completedAt := e.now()
	rec.CompletedAt = &completedAt
	if err := e.store.PutRecord(rec); err != nil {
		return rec, fmt.Errorf("%w: persist completed record: %s", ErrBackupFailed, err)
	}

	e.enforceRetentionBestEffort(scheduleID)

	return rec, nil
}

func mostRecentCompleted(store Store, scheduleID string) *Record {
	records, err := store.ListRecords(scheduleID)
	if err != nil {
		return nil
	}
	for i := range records {
		if records[i].Status == StatusCompleted {
			return &records[i]
		}
	}
	return nil
}

// encodePayload produces the bytes to upload: a Delta against the
// previous snapshot when incremental mode is requested and a prior
// backup exists, otherwise the full snapshot (spec.md §4.6 step 4).
func (e *Engine) encodePayload(ctx context.Context, previous *Record, snapshot *delta.TreeSnapshot, incremental bool) ([]byte, error) {
	if !incremental || previous == nil || previous.BlobID == "" {
		return json.Marshal(snapshot)
	}

	prevPayload, err := e.blobs.Download(ctx, previous.BlobID)
	if err != nil {
		return nil, fmt.Errorf("backup: download previous snapshot for incremental encode: %w", err)
	}
	if e.crypto != nil {
		env, err := crypto.UnmarshalEnvelope(prevPayload)
		if err == nil {
			prevPayload, err = e.crypto.Decrypt(env, e.passphrase)
			if err != nil {
				return nil, fmt.Errorf("backup: decrypt previous snapshot: %w", err)
			}
		}
	}
	var prevSnapshot delta.TreeSnapshot
	if err := json.Unmarshal(prevPayload, &prevSnapshot); err != nil {
		return nil, fmt.Errorf("backup: decode previous snapshot: %w", err)
	}

	d := delta.Diff(&prevSnapshot, snapshot)
	return json.Marshal(d)
}

// uploadIdempotent lists the target folder first and short-circuits if
// filename already exists with matching bytes, so a retried transaction
// never duplicates a blob (spec.md §4.6).
func (e *Engine) uploadIdempotent(ctx context.Context, filename string, payload []byte) (bookmarkapi.ObjectInfo, error) {
	page, err := e.blobs.List(ctx, e.folderID, bookmarkapi.ListQuery{NamePrefix: filename})
	if err == nil {
		for _, item := range page.Items {
			if item.Name == filename && item.Size == int64(len(payload)) {
				return item, nil
			}
		}
	}
	return e.blobs.Upload(ctx, filename, payload, e.folderID)
}

// fail records a transaction failure, routing it through the retry
// state machine: a Transient cause (spec.md §7) moves the record to
// RetryPending with a freshly computed Attempt/NextRetryAt instead of
// terminating it as Failed, so internal/retryqueue's scan later picks
// it back up.
func (e *Engine) fail(rec Record, cause error) (Record, error) {
	rec.Error = cause.Error()
	rec.Status, rec.Attempt, rec.NextRetryAt = e.nextFailureState(rec, cause)

	if err := e.store.PutRecord(rec); err != nil {
		return rec, multierr.Combine(fmt.Errorf("%w: %s", ErrBackupFailed, cause), err)
	}
	return rec, fmt.Errorf("%w: %s", ErrBackupFailed, cause)
}

func (e *Engine) nextFailureState(rec Record, cause error) (Status, int, *time.Time) {
	if !errkind.Retryable(errkind.Classify(cause)) {
		return StatusFailed, rec.Attempt, nil
	}

	current := retryqueue.RetryState{Status: retryqueue.RetryStatus(rec.Status), Attempt: rec.Attempt}
	if rec.NextRetryAt != nil {
		current.NextRetryAt = *rec.NextRetryAt
	}
	next, err := retryqueue.OnFailure(current, retryqueue.DefaultPolicy(), e.now())
	if err != nil {
		return StatusFailed, rec.Attempt, nil
	}
	if next.Status != retryqueue.StatusRetryPending {
		return StatusFailed, next.Attempt, nil
	}
	nextRetryAt := next.NextRetryAt
	return StatusRetryPending, next.Attempt, &nextRetryAt
}

func (e *Engine) enforceRetentionBestEffort(scheduleID string) {
	_ = e.EnforceRetention(scheduleID, -1)
}

// EnforceRetention keeps the newest retainCount Completed records for
// scheduleID and deletes the rest from the BlobStore and metadata
// (spec.md §4.6 step 8; -1 = unlimited, no deletions). Errors from
// individual deletions are combined rather than aborting the sweep
// partway through.
func (e *Engine) EnforceRetention(scheduleID string, retainCount int) error {
	if retainCount < 0 {
		return nil
	}
	records, err := e.store.ListRecords(scheduleID)
	if err != nil {
		return err
	}
	var completed []Record
	for _, r := range records {
		if r.Status == StatusCompleted {
			completed = append(completed, r)
		}
	}
	if len(completed) <= retainCount {
		return nil
	}

	var combined error
	for _, r := range completed[retainCount:] {
		if r.BlobID != "" {
			if err := e.blobs.Delete(context.Background(), r.BlobID); err != nil {
				combined = multierr.Append(combined, err)
				continue
			}
		}
		if err := e.store.DeleteRecord(r.ID); err != nil {
			combined = multierr.Append(combined, err)
		}
	}
	return combined
}

func newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
