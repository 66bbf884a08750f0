// Package bookmarkapi is the public contract between the bookmark-sync
// core and the three external collaborators spec.md §1 keeps out of
// scope: the browser's bookmark tree, the remote blob/metadata store,
// and OAuth token acquisition. An embedding application implements
// these three interfaces; everything under internal/ depends only on
// them, never on a concrete browser or cloud-storage binding.
package bookmarkapi

import (
	"context"
	"time"

	"github.com/hyperengineering/bookmarksync/internal/booktree"
	"github.com/hyperengineering/bookmarksync/internal/delta"
)

// ChangeEvent is one observed mutation from the bookmark provider's
// change stream (spec.md §6).
type ChangeEvent struct {
	Kind     ChangeKind
	NodeID   string
	ParentID string
}

// ChangeKind enumerates the event kinds a BookmarkProvider must report.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeRemoved
	ChangeChanged
	ChangeMoved
	ChangeReordered
)

// ChangeListener receives bookmark change events from Subscribe.
type ChangeListener func(ChangeEvent)

// BookmarkProvider is the capability interface over the OS-level
// bookmark tree (spec.md §6). The core observes but never owns this
// tree.
type BookmarkProvider interface {
	// Export captures the current tree as a TreeSnapshot.
	Export(ctx context.Context, deviceID string) (*delta.TreeSnapshot, error)

	// Apply applies d to the live tree. Implementations must apply
	// additions in parent-before-child order and deletions bottom-up,
	// and must never delete a node in booktree.ProtectedRootIDs.
	Apply(ctx context.Context, d *delta.Delta) error

	// Subscribe registers a listener for live change events. The
	// returned func unregisters the listener.
	Subscribe(listener ChangeListener) (unsubscribe func())

	// BeginBulk suppresses individual change events for the duration of
	// a batch of Apply calls, if the underlying provider supports it.
	// Implementations without native bulk-mode support should suppress
	// their own observer callbacks instead. The returned func ends the
	// bulk window.
	BeginBulk() (end func())
}

// ObjectInfo describes one object listed or uploaded to a BlobStore.
type ObjectInfo struct {
	ID       string
	Name     string
	Mime     string
	Modified time.Time
	Size     int64
}

// ListQuery narrows a List call. An empty NamePrefix lists all children
// of FolderID.
type ListQuery struct {
	NamePrefix string
	PageToken  string
}

// ListPage is one page of List results.
type ListPage struct {
	Items         []ObjectInfo
	NextPageToken string
}

// BlobStore is the capability interface over the remote object/metadata
// service (spec.md §6): a Drive-like blob store. Errors returned from
// any method must be one of the typed errors documented on BlobStore's
// implementing packages (Unauthorized, RateLimited, QuotaExceeded,
// Transient, Fatal).
type BlobStore interface {
	FindOrCreateFolder(ctx context.Context, name string, parentID string) (folderID string, err error)
	List(ctx context.Context, folderID string, query ListQuery) (ListPage, error)
	Upload(ctx context.Context, name string, data []byte, folderID string) (ObjectInfo, error)
	Download(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// TokenSource acquires and refreshes OAuth tokens for BlobStore. Core
// calls Invalidate then Get(false) exactly once on an Unauthorized
// error (spec.md §6).
type TokenSource interface {
	Get(ctx context.Context, interactive bool) (token string, err error)
	Invalidate(token string)
}

// booktree is re-exported for convenience so callers implementing
// BookmarkProvider do not need a second import for the node type.
type BookmarkNode = booktree.BookmarkNode
