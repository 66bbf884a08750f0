// Package delta implements content-addressed hashing of the bookmark
// tree, diff computation between two trees, and the incremental-backup
// Delta record format (spec.md §4.2).
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/hyperengineering/bookmarksync/internal/booktree"
)

// TreeSnapshot is an immutable capture of a bookmark tree with a root
// hash. RootHash is a pure function of Nodes by construction: the only
// way to build a TreeSnapshot is NewTreeSnapshot, which always validates
// and hashes.
type TreeSnapshot struct {
	Nodes     *booktree.BookmarkNode
	DeviceID  string
	Timestamp time.Time
	RootHash  string
}

// NewTreeSnapshot validates root and computes its content hash. The
// returned TreeSnapshot is immutable; callers must not mutate the tree
// reachable from Nodes afterward.
func NewTreeSnapshot(root *booktree.BookmarkNode, deviceID string, at time.Time) (*TreeSnapshot, error) {
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return &TreeSnapshot{
		Nodes:     root,
		DeviceID:  deviceID,
		Timestamp: at,
		RootHash:  HashTree(root),
	}, nil
}

// HashTree returns the Merkle root hash of the tree rooted at n:
// h(node) = SHA-256(title ‖ url_or_empty ‖ concat(sorted_child_hashes)).
// Two trees with equal root hash are considered identical — the
// skip-upload signal used by BackupEngine.
func HashTree(n *booktree.BookmarkNode) string {
	return hashNode(n)
}

func hashNode(n *booktree.BookmarkNode) string {
	if n == nil {
		return ""
	}
	childHashes := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		childHashes = append(childHashes, hashNode(c))
	}
	sort.Strings(childHashes)

	h := sha256.New()
	h.Write([]byte(n.Title))
	h.Write([]byte(n.URL))
	for _, ch := range childHashes {
		h.Write([]byte(ch))
	}
	return hex.EncodeToString(h.Sum(nil))
}
