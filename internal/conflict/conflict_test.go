package conflict

import (
	"testing"
	"time"

	"github.com/hyperengineering/bookmarksync/internal/booktree"
	"github.com/hyperengineering/bookmarksync/internal/delta"
)

func flatTree(extra ...*booktree.BookmarkNode) *booktree.BookmarkNode {
	bar := &booktree.BookmarkNode{ID: booktree.BookmarksBarID, Kind: booktree.KindFolder, ParentID: booktree.RootNodeID, Children: extra}
	return &booktree.BookmarkNode{
		ID:   booktree.RootNodeID,
		Kind: booktree.KindFolder,
		Children: []*booktree.BookmarkNode{
			bar,
			{ID: booktree.OtherBookmarksID, Kind: booktree.KindFolder, ParentID: booktree.RootNodeID},
		},
	}
}

func snap(t *testing.T, root *booktree.BookmarkNode) *delta.TreeSnapshot {
	t.Helper()
	s, err := delta.NewTreeSnapshot(root, "device-1", time.Now())
	if err != nil {
		t.Fatalf("NewTreeSnapshot() error = %v", err)
	}
	return s
}

func TestDetect_FindsTitleConflictOnSharedID(t *testing.T) {
	local := flatTree(&booktree.BookmarkNode{ID: "x", Kind: booktree.KindLink, Title: "Old", URL: "https://a", ParentID: booktree.BookmarksBarID})
	remote := flatTree(&booktree.BookmarkNode{ID: "x", Kind: booktree.KindLink, Title: "New", URL: "https://a", ParentID: booktree.BookmarksBarID})

	conflicts := Detect(snap(t, local), snap(t, remote))
	if len(conflicts) != 1 {
		t.Fatalf("Detect() = %d conflicts, want 1", len(conflicts))
	}
	if conflicts[0].NodeID != "x" {
		t.Errorf("NodeID = %q, want %q", conflicts[0].NodeID, "x")
	}
	if len(conflicts[0].Fields) != 1 || conflicts[0].Fields[0].Field != "title" {
		t.Errorf("Fields = %+v, want one title conflict", conflicts[0].Fields)
	}
}

func TestDetect_OneSidedIDsAreNotConflicts(t *testing.T) {
	local := flatTree(&booktree.BookmarkNode{ID: "only-local", Kind: booktree.KindLink, Title: "A", URL: "https://a", ParentID: booktree.BookmarksBarID})
	remote := flatTree(&booktree.BookmarkNode{ID: "only-remote", Kind: booktree.KindLink, Title: "B", URL: "https://b", ParentID: booktree.BookmarksBarID})

	conflicts := Detect(snap(t, local), snap(t, remote))
	if len(conflicts) != 0 {
		t.Errorf("Detect() = %d conflicts, want 0 (one-sided presence is add/delete, not conflict)", len(conflicts))
	}
}

func TestResolve_PreferLocalAlwaysTakesLocal(t *testing.T) {
	conflicts := ConflictList{{NodeID: "x", Fields: []FieldConflict{{Field: "title"}}}}
	plan := Resolve(conflicts, PreferLocal, nil)
	if len(plan) != 1 || plan[0].Resolution != TakeLocal {
		t.Errorf("Resolve(PreferLocal) = %+v, want TakeLocal", plan)
	}
}

func TestResolve_PreferRemoteAlwaysTakesRemote(t *testing.T) {
	conflicts := ConflictList{{NodeID: "x", Fields: []FieldConflict{{Field: "title"}}}}
	plan := Resolve(conflicts, PreferRemote, nil)
	if len(plan) != 1 || plan[0].Resolution != TakeRemote {
		t.Errorf("Resolve(PreferRemote) = %+v, want TakeRemote", plan)
	}
}

func TestResolve_ManualReturnsNilPlan(t *testing.T) {
	conflicts := ConflictList{{NodeID: "x", Fields: []FieldConflict{{Field: "title"}}}}
	if plan := Resolve(conflicts, Manual, nil); plan != nil {
		t.Errorf("Resolve(Manual) = %+v, want nil (caller must await an externally supplied plan)", plan)
	}
}

func TestResolve_PreferNewestTakesNewerSide(t *testing.T) {
	conflicts := ConflictList{{NodeID: "x", Fields: []FieldConflict{{Field: "title", Local: "Old", Remote: "New"}}}}
	localAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	remoteAt := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	dates := func(nodeID string) (local, remote time.Time, ok bool) { return localAt, remoteAt, true }

	plan := Resolve(conflicts, PreferNewest, dates)
	if len(plan) != 1 || plan[0].Resolution != TakeRemote {
		t.Errorf("Resolve(PreferNewest) with newer remote = %+v, want TakeRemote", plan)
	}
}

func TestResolve_PreferNewestTakesLocalWhenLocalIsNewer(t *testing.T) {
	conflicts := ConflictList{{NodeID: "x", Fields: []FieldConflict{{Field: "title"}}}}
	localAt := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	remoteAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dates := func(nodeID string) (local, remote time.Time, ok bool) { return localAt, remoteAt, true }

	plan := Resolve(conflicts, PreferNewest, dates)
	if len(plan) != 1 || plan[0].Resolution != TakeLocal {
		t.Errorf("Resolve(PreferNewest) with newer local = %+v, want TakeLocal", plan)
	}
}

func TestResolve_PreferNewestFallsBackToRemoteWhenDatesMissing(t *testing.T) {
	conflicts := ConflictList{{NodeID: "x", Fields: []FieldConflict{{Field: "title"}}}}
	dates := func(nodeID string) (local, remote time.Time, ok bool) { return time.Time{}, time.Time{}, false }

	plan := Resolve(conflicts, PreferNewest, dates)
	if len(plan) != 1 || plan[0].Resolution != TakeRemote {
		t.Errorf("Resolve(PreferNewest) with missing dates = %+v, want TakeRemote fallback", plan)
	}
}

func TestResolve_PreferNewestTieBreaksToRemote(t *testing.T) {
	conflicts := ConflictList{{NodeID: "x", Fields: []FieldConflict{{Field: "title"}}}}
	same := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dates := func(nodeID string) (local, remote time.Time, ok bool) { return same, same, true }

	plan := Resolve(conflicts, PreferNewest, dates)
	if len(plan) != 1 || plan[0].Resolution != TakeRemote {
		t.Errorf("Resolve(PreferNewest) tie = %+v, want TakeRemote", plan)
	}
}
