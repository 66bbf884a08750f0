// Package localbookmarks is a reference bookmarkapi.BookmarkProvider
// backed by a single JSON file. It exists to let cmd/bookmarksync run
// standalone against a real tree without requiring the browser/OS
// binding spec.md §1 keeps out of scope (an embedding application is
// free to supply its own BookmarkProvider instead, as pkg/bookmarkapi
// intends). The on-disk shape is deliberately simple: a small struct,
// a mutex, and a durable backing file, not a real multi-client
// database.
package localbookmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/bookmarksync/internal/booktree"
	"github.com/hyperengineering/bookmarksync/internal/delta"
	"github.com/hyperengineering/bookmarksync/pkg/bookmarkapi"
)

// Provider is a file-backed bookmarkapi.BookmarkProvider. The zero
// value is not usable; construct with NewProvider.
type Provider struct {
	path string

	mu        sync.Mutex
	root      *booktree.BookmarkNode
	listeners map[int]bookmarkapi.ChangeListener
	nextID    int
	bulk      int
}

// NewProvider loads path, seeding an empty three-root tree
// (RootNodeID/BookmarksBarID/OtherBookmarksID) if the file does not
// yet exist.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{
		path:      path,
		listeners: make(map[int]bookmarkapi.ChangeListener),
	}

	root, err := loadTree(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("localbookmarks: load %s: %w", path, err)
		}
		root = emptyRoot()
		if err := p.persist(root); err != nil {
			return nil, err
		}
	}
	p.root = root
	return p, nil
}

func emptyRoot() *booktree.BookmarkNode {
	return &booktree.BookmarkNode{
		ID:   booktree.RootNodeID,
		Kind: booktree.KindFolder,
		Children: []*booktree.BookmarkNode{
			{ID: booktree.BookmarksBarID, Kind: booktree.KindFolder, Title: "Bookmarks Bar", ParentID: booktree.RootNodeID},
			{ID: booktree.OtherBookmarksID, Kind: booktree.KindFolder, Title: "Other Bookmarks", ParentID: booktree.RootNodeID},
		},
	}
}

func loadTree(path string) (*booktree.BookmarkNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var root booktree.BookmarkNode
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("localbookmarks: decode %s: %w", path, err)
	}
	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("localbookmarks: %s failed validation: %w", path, err)
	}
	return &root, nil
}

func (p *Provider) persist(root *booktree.BookmarkNode) error {
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("localbookmarks: encode tree: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("localbookmarks: mkdir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("localbookmarks: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, p.path)
}

// Export captures the current tree as a TreeSnapshot.
func (p *Provider) Export(ctx context.Context, deviceID string) (*delta.TreeSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return delta.NewTreeSnapshot(cloneTree(p.root), deviceID, time.Now())
}

// Apply applies d to the live tree and persists the result.
func (p *Provider) Apply(ctx context.Context, d *delta.Delta) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	newRoot, err := delta.Apply(p.root, d)
	if err != nil {
		return err
	}
	if err := p.persist(newRoot); err != nil {
		return err
	}
	p.root = newRoot
	p.notifyLocked(d)
	return nil
}

func (p *Provider) notifyLocked(d *delta.Delta) {
	if p.bulk > 0 {
		return
	}
	for _, a := range d.Added {
		p.emit(bookmarkapi.ChangeEvent{Kind: bookmarkapi.ChangeCreated, NodeID: a.Node.ID, ParentID: a.ParentID})
	}
	for _, m := range d.Modified {
		p.emit(bookmarkapi.ChangeEvent{Kind: bookmarkapi.ChangeChanged, NodeID: m.ID})
	}
	for _, id := range d.Deleted {
		p.emit(bookmarkapi.ChangeEvent{Kind: bookmarkapi.ChangeRemoved, NodeID: id})
	}
}

func (p *Provider) emit(evt bookmarkapi.ChangeEvent) {
	for _, l := range p.listeners {
		l(evt)
	}
}

// Subscribe registers a listener for live change events.
func (p *Provider) Subscribe(listener bookmarkapi.ChangeListener) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = listener
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// BeginBulk suppresses change events for the duration of a batch of
// Apply calls. Nested calls stack; events resume once every BeginBulk
// window has ended.
func (p *Provider) BeginBulk() (end func()) {
	p.mu.Lock()
	p.bulk++
	p.mu.Unlock()

	var done bool
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if done {
			return
		}
		done = true
		p.bulk--
	}
}

func cloneTree(n *booktree.BookmarkNode) *booktree.BookmarkNode {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Children = make([]*booktree.BookmarkNode, len(n.Children))
	for i, c := range n.Children {
		cp.Children[i] = cloneTree(c)
	}
	return &cp
}
