package delta

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/bookmarksync/internal/booktree"
)

// FieldChange describes one changed field on a Modified node.
type FieldChange struct {
	Field string
	Old   any
	New   any
}

// AddedNode carries enough of a node to insert it: its data plus the
// parent it must be attached under.
type AddedNode struct {
	Node     *booktree.BookmarkNode
	ParentID string
}

// ModifiedNode carries a node id and the fields that changed.
type ModifiedNode struct {
	ID      string
	Changes []FieldChange
}

// Delta is the minimal set of additions, modifications, and deletions
// that turns the tree with BaseRootHash into the tree with NewRootHash.
type Delta struct {
	BaseRootHash string
	NewRootHash  string
	Added        []AddedNode
	Modified     []ModifiedNode
	Deleted      []string
}

// IsEmpty reports whether the delta carries no changes at all.
func (d *Delta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Diff computes the Delta turning `previous` into `current`. Two ids
// present on both sides with an identical field tuple
// (title,url,parent_id,dateGroupModified) are unchanged; a different
// tuple produces a Modified entry; presence only in `current` is an
// Added; presence only in `previous` is a Deleted.
func Diff(previous, current *TreeSnapshot) *Delta {
	prevIndex := booktree.Flatten(nodeOrNil(previous))
	currIndex := booktree.Flatten(nodeOrNil(current))

	d := &Delta{
		BaseRootHash: rootHashOf(previous),
		NewRootHash:  rootHashOf(current),
	}

	for id, cur := range currIndex {
		prev, existed := prevIndex[id]
		if !existed {
			d.Added = append(d.Added, AddedNode{Node: cloneShallow(cur), ParentID: cur.ParentID})
			continue
		}
		if changes := fieldChanges(prev, cur); len(changes) > 0 {
			d.Modified = append(d.Modified, ModifiedNode{ID: id, Changes: changes})
		}
	}
	for id := range prevIndex {
		if _, stillPresent := currIndex[id]; !stillPresent {
			d.Deleted = append(d.Deleted, id)
		}
	}
	return d
}

func nodeOrNil(s *TreeSnapshot) *booktree.BookmarkNode {
	if s == nil {
		return nil
	}
	return s.Nodes
}

func rootHashOf(s *TreeSnapshot) string {
	if s == nil {
		return ""
	}
	return s.RootHash
}

func cloneShallow(n *booktree.BookmarkNode) *booktree.BookmarkNode {
	clone := *n
	clone.Children = nil // additions carry the node alone; children arrive as their own AddedNode entries
	return &clone
}

func fieldChanges(prev, cur *booktree.BookmarkNode) []FieldChange {
	var changes []FieldChange
	if prev.Title != cur.Title {
		changes = append(changes, FieldChange{Field: "title", Old: prev.Title, New: cur.Title})
	}
	if prev.URL != cur.URL {
		changes = append(changes, FieldChange{Field: "url", Old: prev.URL, New: cur.URL})
	}
	if prev.ParentID != cur.ParentID {
		changes = append(changes, FieldChange{Field: "parent_id", Old: prev.ParentID, New: cur.ParentID})
	}
	if !prev.DateGroupModified.Equal(cur.DateGroupModified) {
		changes = append(changes, FieldChange{Field: "dateGroupModified", Old: prev.DateGroupModified, New: cur.DateGroupModified})
	}
	return changes
}

// ErrInconsistentDelta is returned when Apply cannot locate the parent
// of a node being added or modified. It is fatal: the caller must not
// apply a partial delta and must surface the error to the user.
var ErrInconsistentDelta = errors.New("delta: inconsistent delta")

// ErrProtectedRootDeletion is returned when a Delta attempts to delete
// one of booktree.ProtectedRootIDs: the tree root, the bookmarks bar,
// or the "other bookmarks" folder must never be removed by an incoming
// delta (spec.md §4.7 step 5). It wraps ErrInconsistentDelta so a
// caller matching on that sentinel still classifies and refuses it the
// same way.
var ErrProtectedRootDeletion = fmt.Errorf("%w: attempted to delete a protected root node", ErrInconsistentDelta)

// Apply applies d to the tree rooted at root, returning the new root.
// Order is fixed per spec.md §4.2: deletions first, then modifications,
// then additions (parent must already exist or be in the same addition
// batch). root is not mutated in place; a structurally new tree is
// returned built from cloned nodes.
func Apply(root *booktree.BookmarkNode, d *Delta) (*booktree.BookmarkNode, error) {
	index := booktree.Flatten(root)
	working := make(map[string]*booktree.BookmarkNode, len(index))
	for id, n := range index {
		cp := *n
		cp.Children = append([]*booktree.BookmarkNode(nil), n.Children...)
		working[id] = &cp
	}
	// Re-point children slices at the cloned nodes.
	for _, n := range working {
		for i, c := range n.Children {
			if cloned, ok := working[c.ID]; ok {
				n.Children[i] = cloned
			}
		}
	}

	for _, id := range d.Deleted {
		if booktree.ProtectedRootIDs[id] {
			return nil, fmt.Errorf("%w: %q", ErrProtectedRootDeletion, id)
		}
	}
	for _, id := range d.Deleted {
		n, ok := working[id]
		if !ok {
			continue
		}
		if n.ParentID != "" {
			if parent, ok := working[n.ParentID]; ok {
				parent.Children = removeChild(parent.Children, id)
			}
		}
		delete(working, id)
	}

	for _, m := range d.Modified {
		n, ok := working[m.ID]
		if !ok {
			return nil, fmt.Errorf("%w: modified node %q not found", ErrInconsistentDelta, m.ID)
		}
		oldParentID := n.ParentID
		for _, fc := range m.Changes {
			if err := applyFieldChange(n, fc); err != nil {
				return nil, err
			}
		}
		if n.ParentID != oldParentID {
			if oldParent, ok := working[oldParentID]; ok {
				oldParent.Children = removeChild(oldParent.Children, n.ID)
			}
			newParent, ok := working[n.ParentID]
			if !ok {
				return nil, fmt.Errorf("%w: node %q moved to missing parent %q", ErrInconsistentDelta, n.ID, n.ParentID)
			}
			newParent.Children = append(newParent.Children, n)
		}
	}

	pending := make(map[string]AddedNode, len(d.Added))
	for _, a := range d.Added {
		pending[a.Node.ID] = a
	}
	added := make(map[string]bool)
	var resolve func(id string) (*booktree.BookmarkNode, error)
	resolve = func(id string) (*booktree.BookmarkNode, error) {
		if n, ok := working[id]; ok {
			return n, nil
		}
		a, ok := pending[id]
		if !ok {
			return nil, fmt.Errorf("%w: added node references missing parent %q", ErrInconsistentDelta, id)
		}
		if added[id] {
			return nil, fmt.Errorf("%w: cycle while resolving added node %q", ErrInconsistentDelta, id)
		}
		added[id] = true
		cp := *a.Node
		cp.Children = nil
		working[id] = &cp
		parent, err := resolve(a.ParentID)
		if err != nil {
			return nil, err
		}
		parent.Children = append(parent.Children, &cp)
		return &cp, nil
	}
	for _, a := range d.Added {
		if working[a.Node.ID] != nil && added[a.Node.ID] {
			continue
		}
		if _, err := resolve(a.Node.ID); err != nil {
			return nil, err
		}
	}

	newRoot, ok := working[root.ID]
	if !ok {
		return nil, fmt.Errorf("%w: root node deleted", ErrInconsistentDelta)
	}
	return newRoot, nil
}

func applyFieldChange(n *booktree.BookmarkNode, fc FieldChange) error {
	switch fc.Field {
	case "title":
		s, ok := fc.New.(string)
		if !ok {
			return fmt.Errorf("%w: title change has non-string value", ErrInconsistentDelta)
		}
		n.Title = s
	case "url":
		s, ok := fc.New.(string)
		if !ok {
			return fmt.Errorf("%w: url change has non-string value", ErrInconsistentDelta)
		}
		n.URL = s
	case "parent_id":
		s, ok := fc.New.(string)
		if !ok {
			return fmt.Errorf("%w: parent_id change has non-string value", ErrInconsistentDelta)
		}
		n.ParentID = s
	case "dateGroupModified":
		t, ok := fc.New.(time.Time)
		if !ok {
			return fmt.Errorf("%w: dateGroupModified change has non-time value", ErrInconsistentDelta)
		}
		n.DateGroupModified = t
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInconsistentDelta, fc.Field)
	}
	return nil
}

func removeChild(children []*booktree.BookmarkNode, id string) []*booktree.BookmarkNode {
	out := children[:0:0]
	for _, c := range children {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
