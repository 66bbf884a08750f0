// Package conflict implements the three-way conflict detector/resolver
// (spec.md §4.3): given a local and a remote TreeSnapshot, it finds
// per-field divergences on nodes present in both trees and, given a
// resolution strategy, emits a ResolutionPlan.
package conflict

import (
	"time"

	"github.com/hyperengineering/bookmarksync/internal/booktree"
	"github.com/hyperengineering/bookmarksync/internal/delta"
)

// FieldConflict is one divergent field on a node present on both sides.
type FieldConflict struct {
	Field  string // "title" | "url" | "position/parent"
	Local  string
	Remote string
}

// NodeConflict is all field-level conflicts for one node id.
type NodeConflict struct {
	NodeID string
	Fields []FieldConflict
}

// ConflictList is the full set of divergent nodes between local and
// remote. A one-sided-only id (added or deleted) is never included.
type ConflictList []NodeConflict

// Strategy selects how a ConflictList is turned into a ResolutionPlan.
type Strategy string

const (
	PreferNewest Strategy = "preferNewest"
	PreferLocal  Strategy = "preferLocal"
	PreferRemote Strategy = "preferRemote"
	Manual       Strategy = "manual"
)

// Resolution is the outcome for a single conflicting node.
type Resolution string

const (
	TakeLocal  Resolution = "take_local"
	TakeRemote Resolution = "take_remote"
	Merge      Resolution = "merge"
)

// FieldOverride names which side wins for one field in a Merge
// resolution.
type FieldOverride struct {
	Field string
	Side  Resolution // TakeLocal or TakeRemote
}

// NodePlan is the resolution chosen for one conflicting node.
type NodePlan struct {
	NodeID        string
	Resolution    Resolution
	FieldOverrides []FieldOverride // only populated when Resolution == Merge
}

// ResolutionPlan is the full set of per-node resolutions.
type ResolutionPlan []NodePlan

// Detect walks local and remote trees and returns conflicts for every
// node id present on both sides with a divergent title, url, or
// position/parent. One-sided presence is classified as Added/Deleted by
// DeltaEngine, never reported here as a conflict.
func Detect(local, remote *delta.TreeSnapshot) ConflictList {
	localIndex := booktree.Flatten(nodeOrNil(local))
	remoteIndex := booktree.Flatten(nodeOrNil(remote))

	var out ConflictList
	for id, l := range localIndex {
		r, ok := remoteIndex[id]
		if !ok {
			continue
		}
		var fields []FieldConflict
		if l.Title != r.Title {
			fields = append(fields, FieldConflict{Field: "title", Local: l.Title, Remote: r.Title})
		}
		if l.URL != r.URL {
			fields = append(fields, FieldConflict{Field: "url", Local: l.URL, Remote: r.URL})
		}
		if l.ParentID != r.ParentID {
			fields = append(fields, FieldConflict{Field: "position/parent", Local: l.ParentID, Remote: r.ParentID})
		}
		if len(fields) > 0 {
			out = append(out, NodeConflict{NodeID: id, Fields: fields})
		}
	}
	return out
}

func nodeOrNil(s *delta.TreeSnapshot) *booktree.BookmarkNode {
	if s == nil {
		return nil
	}
	return s.Nodes
}

// dateLookup resolves the dateGroupModified of a node id on each side,
// used only by the preferNewest strategy.
type dateLookup func(nodeID string) (local, remote time.Time, ok bool)

// Resolve turns a ConflictList into a ResolutionPlan per strategy. For
// Manual, Resolve returns a nil plan: the caller must await an
// externally supplied plan instead (spec.md §4.3).
func Resolve(conflicts ConflictList, strategy Strategy, dates dateLookup) ResolutionPlan {
	if strategy == Manual {
		return nil
	}

	plan := make(ResolutionPlan, 0, len(conflicts))
	for _, c := range conflicts {
		resolution := resolveOne(c, strategy, dates)
		plan = append(plan, NodePlan{NodeID: c.NodeID, Resolution: resolution})
	}
	return plan
}

func resolveOne(c NodeConflict, strategy Strategy, dates dateLookup) Resolution {
	switch strategy {
	case PreferLocal:
		return TakeLocal
	case PreferRemote:
		return TakeRemote
	case PreferNewest:
		if dates == nil {
			return TakeRemote
		}
		localAt, remoteAt, ok := dates(c.NodeID)
		if !ok {
			// dateGroupModified absent on one or both sides: fall back
			// to preferRemote per spec.md §4.3.
			return TakeRemote
		}
		if localAt.After(remoteAt) {
			return TakeLocal
		}
		// Tie-break: equal timestamps deterministically choose remote.
		return TakeRemote
	default:
		return TakeRemote
	}
}
