package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/bookmarksync/pkg/bookmarkapi"
)

// LocalBlobStore is a filesystem-backed BlobStore used when no remote
// object service is configured. It is a real store, not a discard
// sink: BackupEngine and SyncEngine need a working BlobStore even in
// single-device, no-remote setups, and a store that pretends to
// succeed while losing data would violate spec.md §4.6's durability
// expectations.
type LocalBlobStore struct {
	root string
}

var _ bookmarkapi.BlobStore = (*LocalBlobStore)(nil)

// NewLocalBlobStore roots the store at dir, creating it if necessary.
func NewLocalBlobStore(dir string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("blobstore: create local root: %w", err)
	}
	return &LocalBlobStore{root: dir}, nil
}

func (s *LocalBlobStore) FindOrCreateFolder(ctx context.Context, name string, parentID string) (string, error) {
	id := joinPrefix(parentID, name)
	dir := filepath.Join(s.root, filepath.FromSlash(id))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: %s", ErrFatal, err)
	}
	return id, nil
}

func (s *LocalBlobStore) List(ctx context.Context, folderID string, query bookmarkapi.ListQuery) (bookmarkapi.ListPage, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(folderID))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return bookmarkapi.ListPage{}, nil
	}
	if err != nil {
		return bookmarkapi.ListPage{}, fmt.Errorf("%w: %s", ErrFatal, err)
	}

	var page bookmarkapi.ListPage
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), query.NamePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		page.Items = append(page.Items, bookmarkapi.ObjectInfo{
			ID:       joinPrefix(folderID, e.Name()),
			Name:     e.Name(),
			Modified: info.ModTime(),
			Size:     info.Size(),
		})
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].Name < page.Items[j].Name })
	return page, nil
}

func (s *LocalBlobStore) Upload(ctx context.Context, name string, data []byte, folderID string) (bookmarkapi.ObjectInfo, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(folderID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return bookmarkapi.ObjectInfo{}, fmt.Errorf("%w: %s", ErrFatal, err)
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return bookmarkapi.ObjectInfo{}, fmt.Errorf("%w: %s", ErrFatal, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return bookmarkapi.ObjectInfo{}, fmt.Errorf("%w: %s", ErrFatal, err)
	}
	return bookmarkapi.ObjectInfo{
		ID:       joinPrefix(folderID, name),
		Name:     name,
		Size:     int64(len(data)),
		Modified: time.Now().UTC(),
	}, nil
}

func (s *LocalBlobStore) Download(ctx context.Context, id string) ([]byte, error) {
	path := filepath.Join(s.root, filepath.FromSlash(id))
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFatal, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFatal, err)
	}
	return data, nil
}

func (s *LocalBlobStore) Delete(ctx context.Context, id string) error {
	path := filepath.Join(s.root, filepath.FromSlash(id))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFatal, err)
	}
	return nil
}

// Stat mirrors S3BlobStore.Stat for the local fallback. BackupEngine
// does not call it: its idempotent upload looks for an existing object
// with List.
func (s *LocalBlobStore) Stat(ctx context.Context, id string) (size int64, exists bool, err error) {
	info, statErr := os.Stat(filepath.Join(s.root, filepath.FromSlash(id)))
	if errors.Is(statErr, os.ErrNotExist) {
		return 0, false, nil
	}
	if statErr != nil {
		return 0, false, fmt.Errorf("%w: %s", ErrFatal, statErr)
	}
	return info.Size(), true, nil
}
