package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/bookmarksync/internal/booktree"
	"github.com/hyperengineering/bookmarksync/internal/crypto"
	"github.com/hyperengineering/bookmarksync/internal/delta"
)

// RestoreOptions configures a Restore call.
type RestoreOptions struct {
	// Dedup merges Link nodes that share an identical URL within the
	// same parent folder before the tree is applied. Cross-folder
	// duplicates are left alone: dedup only applies on an explicit
	// restore-with-dedup, never implicitly.
	Dedup bool
}

// ErrRestoreFailed wraps the underlying cause of a failed restore.
var ErrRestoreFailed = errors.New("backup: restore failed")

// Restore implements "replace-then-insert-tree-from-state" (spec.md §9
// open question, resolved): the archived tree from record id becomes
// the live tree. The live tree is exported and diffed against the
// archived snapshot, and that delta is applied: nodes absent from the
// archive are removed, changed fields are set back to their archived
// values, and archive-only nodes are added. This is the only restore
// code path, there is no separate untyped variant.
func (e *Engine) Restore(ctx context.Context, recordID string, opts RestoreOptions) error {
	rec, err := e.store.GetRecord(recordID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRestoreFailed, err)
	}
	if rec.BlobID == "" {
		return fmt.Errorf("%w: record %q has no blob", ErrRestoreFailed, recordID)
	}

	payload, err := e.blobs.Download(ctx, rec.BlobID)
	if err != nil {
		return fmt.Errorf("%w: download: %s", ErrRestoreFailed, err)
	}
	if e.crypto != nil {
		env, err := crypto.UnmarshalEnvelope(payload)
		if err == nil {
			payload, err = e.crypto.Decrypt(env, e.passphrase)
			if err != nil {
				return fmt.Errorf("%w: decrypt: %w", ErrRestoreFailed, err)
			}
		}
	}

	var restored delta.TreeSnapshot
	if err := json.Unmarshal(payload, &restored); err != nil {
		return fmt.Errorf("%w: decode: %s", ErrRestoreFailed, err)
	}

	if opts.Dedup {
		dedupeLinks(restored.Nodes)
		snap, err := delta.NewTreeSnapshot(restored.Nodes, restored.DeviceID, restored.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: rehash after dedup: %s", ErrRestoreFailed, err)
		}
		restored = *snap
	}

	current, err := e.provider.Export(ctx, e.deviceID)
	if err != nil {
		return fmt.Errorf("%w: export live tree: %s", ErrRestoreFailed, err)
	}

	d := delta.Diff(current, &restored)
	if d.IsEmpty() {
		return nil
	}

	end := e.provider.BeginBulk()
	defer end()

	if err := e.provider.Apply(ctx, d); err != nil {
		return fmt.Errorf("%w: apply: %s", ErrRestoreFailed, err)
	}
	return nil
}

// dedupeLinks removes Link children sharing an identical URL within the
// same parent folder, keeping the first occurrence in insertion order.
// Folders and duplicates across different parents are left untouched.
func dedupeLinks(n *booktree.BookmarkNode) {
	if n == nil {
		return
	}
	if n.Kind == booktree.KindFolder {
		seen := make(map[string]bool, len(n.Children))
		kept := n.Children[:0:0]
		for _, c := range n.Children {
			if c.Kind == booktree.KindLink {
				if seen[c.URL] {
					continue
				}
				seen[c.URL] = true
			}
			kept = append(kept, c)
		}
		n.Children = kept
	}
	for _, c := range n.Children {
		dedupeLinks(c)
	}
}
