package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hyperengineering/bookmarksync/internal/blobstore"
	"github.com/hyperengineering/bookmarksync/internal/booktree"
	"github.com/hyperengineering/bookmarksync/internal/crypto"
	"github.com/hyperengineering/bookmarksync/internal/delta"
	"github.com/hyperengineering/bookmarksync/pkg/bookmarkapi"
)

// fakeProvider serves a fixed tree and records every Apply call it
// receives, for Restore tests.
type fakeProvider struct {
	root     *booktree.BookmarkNode
	deviceID string
	applied  []*delta.Delta
}

func (p *fakeProvider) Export(ctx context.Context, deviceID string) (*delta.TreeSnapshot, error) {
	return delta.NewTreeSnapshot(p.root, deviceID, time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC))
}

func (p *fakeProvider) Apply(ctx context.Context, d *delta.Delta) error {
	p.applied = append(p.applied, d)
	return nil
}

func (p *fakeProvider) Subscribe(bookmarkapi.ChangeListener) (unsubscribe func()) { return func() {} }
func (p *fakeProvider) BeginBulk() (end func())                                  { return func() {} }

// fakeBlobStore is an in-memory bookmarkapi.BlobStore.
type fakeBlobStore struct {
	objects   map[string][]byte
	names     map[string]string
	seq       int
	uploadErr error // when set, Upload fails with this error instead of succeeding
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}, names: map[string]string{}}
}

func (b *fakeBlobStore) FindOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	return "folder-" + name, nil
}

func (b *fakeBlobStore) List(ctx context.Context, folderID string, query bookmarkapi.ListQuery) (bookmarkapi.ListPage, error) {
	var items []bookmarkapi.ObjectInfo
	for id, name := range b.names {
		if query.NamePrefix != "" && len(name) < len(query.NamePrefix) {
			continue
		}
		if query.NamePrefix != "" && name[:len(query.NamePrefix)] != query.NamePrefix {
			continue
		}
		items = append(items, bookmarkapi.ObjectInfo{ID: id, Name: name, Size: int64(len(b.objects[id]))})
	}
	return bookmarkapi.ListPage{Items: items}, nil
}

func (b *fakeBlobStore) Upload(ctx context.Context, name string, data []byte, folderID string) (bookmarkapi.ObjectInfo, error) {
	if b.uploadErr != nil {
		return bookmarkapi.ObjectInfo{}, b.uploadErr
	}
	b.seq++
	id := fmt.Sprintf("blob-%d", b.seq)
	b.objects[id] = append([]byte(nil), data...)
	b.names[id] = name
	return bookmarkapi.ObjectInfo{ID: id, Name: name, Size: int64(len(data))}, nil
}

func (b *fakeBlobStore) Download(ctx context.Context, id string) ([]byte, error) {
	data, ok := b.objects[id]
	if !ok {
		return nil, fmt.Errorf("no such object %q", id)
	}
	return data, nil
}

func (b *fakeBlobStore) Delete(ctx context.Context, id string) error {
	delete(b.objects, id)
	delete(b.names, id)
	return nil
}

// memStore is an in-memory backup.Store.
type memStore struct {
	records map[string]Record
}

func newMemStore() *memStore { return &memStore{records: map[string]Record{}} }

func (s *memStore) PutRecord(r Record) error {
	s.records[r.ID] = r
	return nil
}

func (s *memStore) GetRecord(id string) (Record, error) {
	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("no such record %q", id)
	}
	return r, nil
}

func (s *memStore) ListRecords(scheduleID string) ([]Record, error) {
	var out []Record
	for _, r := range s.records {
		if r.ScheduleID == scheduleID {
			out = append(out, r)
		}
	}
	// newest first
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *memStore) DeleteRecord(id string) error {
	delete(s.records, id)
	return nil
}

func sampleTree() *booktree.BookmarkNode {
	return &booktree.BookmarkNode{
		ID:   booktree.RootNodeID,
		Kind: booktree.KindFolder,
		Children: []*booktree.BookmarkNode{
			{
				ID:       booktree.BookmarksBarID,
				Kind:     booktree.KindFolder,
				ParentID: booktree.RootNodeID,
				Children: []*booktree.BookmarkNode{
					{ID: "link-1", Kind: booktree.KindLink, Title: "Example", URL: "https://example.com", ParentID: booktree.BookmarksBarID},
				},
			},
			{ID: booktree.OtherBookmarksID, Kind: booktree.KindFolder, ParentID: booktree.RootNodeID},
		},
	}
}

func newTestEngine(t *testing.T, provider *fakeProvider, blobs *fakeBlobStore, store *memStore) *Engine {
	t.Helper()
	clock := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	return NewEngine(provider, blobs, store, "device-1", "folder-backups", WithClock(func() time.Time { return clock }))
}

func TestEngine_RunProducesCompletedRecord(t *testing.T) {
	provider := &fakeProvider{root: sampleTree()}
	blobs := newFakeBlobStore()
	store := newMemStore()
	engine := newTestEngine(t, provider, blobs, store)

	rec, err := engine.Run(context.Background(), Request{Kind: KindManual, Notes: "before vacation"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("Status = %v, want Completed", rec.Status)
	}
	if rec.ScheduleID != ManualScheduleID {
		t.Errorf("ScheduleID = %q, want %q", rec.ScheduleID, ManualScheduleID)
	}
	if rec.BlobID == "" {
		t.Error("BlobID is empty, want an uploaded blob id")
	}
	if rec.BookmarkCount != 1 {
		t.Errorf("BookmarkCount = %d, want 1", rec.BookmarkCount)
	}
	if rec.Notes != "before vacation" {
		t.Errorf("Notes = %q, want %q", rec.Notes, "before vacation")
	}
}

func TestEngine_RunSkipsUploadWhenRootHashUnchanged(t *testing.T) {
	provider := &fakeProvider{root: sampleTree()}
	blobs := newFakeBlobStore()
	store := newMemStore()
	engine := newTestEngine(t, provider, blobs, store)

	first, err := engine.Run(context.Background(), Request{Kind: KindScheduled, ScheduleID: "daily"})
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	second, err := engine.Run(context.Background(), Request{Kind: KindScheduled, ScheduleID: "daily"})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if second.BlobID != first.BlobID {
		t.Errorf("second BlobID = %q, want reuse of %q", second.BlobID, first.BlobID)
	}
	if len(blobs.objects) != 1 {
		t.Errorf("uploaded objects = %d, want 1 (idempotence should skip the second upload)", len(blobs.objects))
	}
}

func TestEngine_RunMarksFailedOnExportError(t *testing.T) {
	provider := &failingProvider{}
	blobs := newFakeBlobStore()
	store := newMemStore()
	engine := newTestEngine(t, provider, blobs, store)

	rec, err := engine.Run(context.Background(), Request{Kind: KindManual})
	if err == nil {
		t.Fatal("Run() expected error, got nil")
	}
	if rec.Status != StatusFailed {
		t.Errorf("Status = %v, want Failed", rec.Status)
	}
	if rec.Error == "" {
		t.Error("Error is empty, want the export failure message")
	}
}

type failingProvider struct{ fakeProvider }

func (p *failingProvider) Export(ctx context.Context, deviceID string) (*delta.TreeSnapshot, error) {
	return nil, fmt.Errorf("provider unavailable")
}

func TestEngine_RunMarksRetryPendingOnTransientUploadFailure(t *testing.T) {
	provider := &fakeProvider{root: sampleTree()}
	blobs := newFakeBlobStore()
	blobs.uploadErr = fmt.Errorf("%w: connection reset", blobstore.ErrTransient)
	store := newMemStore()
	engine := newTestEngine(t, provider, blobs, store)

	rec, err := engine.Run(context.Background(), Request{Kind: KindManual})
	if err == nil {
		t.Fatal("Run() expected error, got nil")
	}
	if rec.Status != StatusRetryPending {
		t.Fatalf("Status = %v, want RetryPending", rec.Status)
	}
	if rec.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", rec.Attempt)
	}
	if rec.NextRetryAt == nil {
		t.Fatal("NextRetryAt is nil, want a computed backoff time")
	}
	wantNotBefore := time.Date(2026, 3, 5, 10, 5, 0, 0, time.UTC) // base_delay = 5min
	if rec.NextRetryAt.Before(wantNotBefore) {
		t.Errorf("NextRetryAt = %v, want at least %v", rec.NextRetryAt, wantNotBefore)
	}

	stored, getErr := store.GetRecord(rec.ID)
	if getErr != nil {
		t.Fatalf("GetRecord() error = %v", getErr)
	}
	if stored.Status != StatusRetryPending || stored.Attempt != 1 {
		t.Errorf("persisted record = %+v, want Status=RetryPending Attempt=1", stored)
	}
}

func TestEngine_RunMarksFailedOnFatalUploadFailure(t *testing.T) {
	provider := &fakeProvider{root: sampleTree()}
	blobs := newFakeBlobStore()
	blobs.uploadErr = fmt.Errorf("%w: bucket does not exist", blobstore.ErrFatal)
	store := newMemStore()
	engine := newTestEngine(t, provider, blobs, store)

	rec, err := engine.Run(context.Background(), Request{Kind: KindManual})
	if err == nil {
		t.Fatal("Run() expected error, got nil")
	}
	if rec.Status != StatusFailed {
		t.Errorf("Status = %v, want Failed (fatal causes are never retried)", rec.Status)
	}
	if rec.NextRetryAt != nil {
		t.Error("NextRetryAt should stay nil for a non-retryable failure")
	}
}

func TestEngine_EnforceRetentionKeepsNewestN(t *testing.T) {
	provider := &fakeProvider{root: sampleTree()}
	blobs := newFakeBlobStore()
	store := newMemStore()
	engine := newTestEngine(t, provider, blobs, store)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("rec-%d", i)
		blobID, _ := blobs.Upload(context.Background(), fmt.Sprintf("bookmarks_%d.json", i), []byte("x"), "folder-backups")
		store.records[id] = Record{
			ID: id, Status: StatusCompleted, ScheduleID: "daily",
			CreatedAt: base.Add(time.Duration(i) * time.Hour), BlobID: blobID.ID,
		}
	}

	if err := engine.EnforceRetention("daily", 2); err != nil {
		t.Fatalf("EnforceRetention() error = %v", err)
	}

	remaining, _ := store.ListRecords("daily")
	if len(remaining) != 2 {
		t.Fatalf("remaining records = %d, want 2", len(remaining))
	}
	if len(blobs.objects) != 2 {
		t.Errorf("remaining blobs = %d, want 2", len(blobs.objects))
	}
}

func TestEngine_EnforceRetentionUnlimitedIsNoop(t *testing.T) {
	provider := &fakeProvider{root: sampleTree()}
	blobs := newFakeBlobStore()
	store := newMemStore()
	engine := newTestEngine(t, provider, blobs, store)

	store.records["only"] = Record{ID: "only", Status: StatusCompleted, ScheduleID: ManualScheduleID}
	if err := engine.EnforceRetention(ManualScheduleID, -1); err != nil {
		t.Fatalf("EnforceRetention() error = %v", err)
	}
	if _, err := store.GetRecord("only"); err != nil {
		t.Error("record was deleted despite unlimited retention")
	}
}

func TestEngine_RestoreClearsAndReinsertsTree(t *testing.T) {
	archived := sampleTree()
	// Archived tree has a second link the live tree lacks.
	barIdx := 0
	archived.Children[barIdx].Children = append(archived.Children[barIdx].Children,
		&booktree.BookmarkNode{ID: "link-2", Kind: booktree.KindLink, Title: "Second", URL: "https://second.example", ParentID: booktree.BookmarksBarID})

	provider := &fakeProvider{root: sampleTree()} // live tree missing link-2
	blobs := newFakeBlobStore()
	store := newMemStore()
	engine := newTestEngine(t, provider, blobs, store)

	snap, err := delta.NewTreeSnapshot(archived, "device-1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewTreeSnapshot() error = %v", err)
	}
	payload, _ := json.Marshal(snap)
	info, _ := blobs.Upload(context.Background(), "bookmarks_archived.json", payload, "folder-backups")
	store.records["archived"] = Record{ID: "archived", Status: StatusCompleted, BlobID: info.ID, ScheduleID: "daily"}

	if err := engine.Restore(context.Background(), "archived", RestoreOptions{}); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(provider.applied) != 1 {
		t.Fatalf("Apply() calls = %d, want 1", len(provider.applied))
	}
	d := provider.applied[0]
	found := false
	for _, a := range d.Added {
		if a.Node.ID == "link-2" {
			found = true
		}
	}
	if !found {
		t.Error("restore delta did not add the archived-only node")
	}
}

func TestEngine_EncryptedBackupRestoreRoundTrip(t *testing.T) {
	provider := &fakeProvider{root: sampleTree()}
	blobs := newFakeBlobStore()
	store := newMemStore()
	clock := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	cryptoEngine := crypto.NewEngine(crypto.SuiteAESGCMPBKDF2, crypto.WithPBKDF2Iterations(1000))
	engine := NewEngine(provider, blobs, store, "device-1", "folder-backups",
		WithClock(func() time.Time { return clock }),
		WithCrypto(cryptoEngine, "Correct-Horse-1"))

	rec, err := engine.Run(context.Background(), Request{Kind: KindManual})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("Status = %v, want Completed", rec.Status)
	}

	// Clear the live tree so Restore has something to insert back.
	provider.root = &booktree.BookmarkNode{ID: booktree.RootNodeID, Kind: booktree.KindFolder, Children: []*booktree.BookmarkNode{
		{ID: booktree.BookmarksBarID, Kind: booktree.KindFolder, ParentID: booktree.RootNodeID},
		{ID: booktree.OtherBookmarksID, Kind: booktree.KindFolder, ParentID: booktree.RootNodeID},
	}}

	if err := engine.Restore(context.Background(), rec.ID, RestoreOptions{}); err != nil {
		t.Fatalf("Restore() of an encrypted backup error = %v", err)
	}
	if len(provider.applied) != 1 {
		t.Fatalf("Apply() calls = %d, want 1", len(provider.applied))
	}
	found := false
	for _, a := range provider.applied[0].Added {
		if a.Node.ID == "link-1" {
			found = true
		}
	}
	if !found {
		t.Error("restore of an encrypted backup did not recover the original bookmark")
	}
}

func TestEngine_RestoreTamperedCiphertextReturnsCryptoErrorNoTreeMutation(t *testing.T) {
	provider := &fakeProvider{root: sampleTree()}
	blobs := newFakeBlobStore()
	store := newMemStore()
	clock := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	cryptoEngine := crypto.NewEngine(crypto.SuiteAESGCMPBKDF2, crypto.WithPBKDF2Iterations(1000))
	engine := NewEngine(provider, blobs, store, "device-1", "folder-backups",
		WithClock(func() time.Time { return clock }),
		WithCrypto(cryptoEngine, "Correct-Horse-1"))

	rec, err := engine.Run(context.Background(), Request{Kind: KindManual})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Corrupt one byte of the stored ciphertext blob.
	raw := blobs.objects[rec.BlobID]
	corrupted := append([]byte(nil), raw...)
	corrupted[len(corrupted)/2] ^= 0xFF
	blobs.objects[rec.BlobID] = corrupted

	err = engine.Restore(context.Background(), rec.ID, RestoreOptions{})
	if err == nil {
		t.Fatal("Restore() of a tampered ciphertext expected error, got nil")
	}
	if !errors.Is(err, crypto.ErrCrypto) {
		t.Errorf("Restore() error = %v, want wrapping crypto.ErrCrypto", err)
	}
	if len(provider.applied) != 0 {
		t.Error("Restore() must not mutate the local tree on a decrypt failure")
	}
}

func TestEngine_RestoreDedupMergesSameURLWithinFolder(t *testing.T) {
	archived := sampleTree()
	bar := archived.Children[0]
	bar.Children = append(bar.Children,
		&booktree.BookmarkNode{ID: "link-dup", Kind: booktree.KindLink, Title: "Example dup", URL: "https://example.com", ParentID: booktree.BookmarksBarID})

	provider := &fakeProvider{root: &booktree.BookmarkNode{ID: booktree.RootNodeID, Kind: booktree.KindFolder, Children: []*booktree.BookmarkNode{
		{ID: booktree.BookmarksBarID, Kind: booktree.KindFolder, ParentID: booktree.RootNodeID},
		{ID: booktree.OtherBookmarksID, Kind: booktree.KindFolder, ParentID: booktree.RootNodeID},
	}}}
	blobs := newFakeBlobStore()
	store := newMemStore()
	engine := newTestEngine(t, provider, blobs, store)

	snap, err := delta.NewTreeSnapshot(archived, "device-1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewTreeSnapshot() error = %v", err)
	}
	payload, _ := json.Marshal(snap)
	info, _ := blobs.Upload(context.Background(), "bookmarks_archived.json", payload, "folder-backups")
	store.records["archived"] = Record{ID: "archived", Status: StatusCompleted, BlobID: info.ID, ScheduleID: "daily"}

	if err := engine.Restore(context.Background(), "archived", RestoreOptions{Dedup: true}); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	d := provider.applied[0]
	addedURLs := map[string]int{}
	for _, a := range d.Added {
		if a.Node.Kind == booktree.KindLink {
			addedURLs[a.Node.URL]++
		}
	}
	if addedURLs["https://example.com"] != 1 {
		t.Errorf("added links with https://example.com = %d, want 1 after dedup", addedURLs["https://example.com"])
	}
}
