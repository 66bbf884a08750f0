// Package syncengine implements the SyncEngine transaction of spec.md
// §4.7: fetch the remote tree, short-circuit on identical root hashes,
// resolve conflicts, apply the result to the live bookmark tree, and
// write the merged snapshot back. Named syncengine rather than sync to
// avoid shadowing the standard library at call sites that also need
// sync.Mutex. The delta is handed to BookmarkProvider.Apply; delta.Apply,
// which localbookmarks uses, runs deletions first, then modifications,
// then additions, placing each added node only after its parent.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/bookmarksync/internal/booktree"
	"github.com/hyperengineering/bookmarksync/internal/conflict"
	"github.com/hyperengineering/bookmarksync/internal/crypto"
	"github.com/hyperengineering/bookmarksync/internal/delta"
	"github.com/hyperengineering/bookmarksync/pkg/bookmarkapi"
)

// Mode is the sync topology (spec.md §4.7). It changes only whether the
// engine writes the merged snapshot back; the read path is identical.
type Mode string

const (
	// HostToMany is one-way: the designated host device writes, peers
	// only read.
	HostToMany Mode = "host_to_many"
	// Global is two-way with full conflict resolution.
	Global Mode = "global"
)

// RemoteObjectName is the well-known filename the sync state lives
// under in the BlobStore folder, distinct from the timestamped backup
// archives BackupEngine writes.
const RemoteObjectName = "sync-state.json"

// ErrManualResolutionRequired is returned when conflicts exist and the
// configured strategy is Manual; Result.Conflicts carries the list for
// external resolution (spec.md §4.7 step 4).
var ErrManualResolutionRequired = errors.New("syncengine: manual conflict resolution required")

// Engine runs the SyncEngine transaction.
type Engine struct {
	provider   bookmarkapi.BookmarkProvider
	blobs      bookmarkapi.BlobStore
	crypto     *crypto.Engine
	passphrase string
	deviceID   string
	folderID   string
	mode       Mode
	writable   bool // false for a HostToMany peer: read-only
	strategy   conflict.Strategy
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCrypto enables envelope encryption/decryption of the remote
// snapshot.
func WithCrypto(engine *crypto.Engine, passphrase string) Option {
	return func(e *Engine) { e.crypto = engine; e.passphrase = passphrase }
}

// WithClock overrides the Engine's notion of now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs a SyncEngine. writable is false for a
// HostToMany peer (spec.md §4.7: "peers only read"); true for Global
// and for the designated host under HostToMany.
func NewEngine(provider bookmarkapi.BookmarkProvider, blobs bookmarkapi.BlobStore, deviceID, folderID string, mode Mode, writable bool, strategy conflict.Strategy, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		blobs:    blobs,
		deviceID: deviceID,
		folderID: folderID,
		mode:     mode,
		writable: writable,
		strategy: strategy,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result reports the outcome of a sync transaction.
type Result struct {
	// NoRemote is true when step 2 found no remote snapshot and
	// uploaded the local tree as the initial one.
	NoRemote bool
	// UpToDate is true when local and remote root hashes already
	// matched (step 3).
	UpToDate bool
	// Conflicts is non-nil when ErrManualResolutionRequired is
	// returned: it lists the conflicting nodes for external resolution.
	// Run has no variant that accepts a ResolutionPlan.
	Conflicts conflict.ConflictList
	// Applied is true when a Delta was applied to the live tree.
	Applied bool
	// Wrote is true when the merged snapshot was written back to the
	// BlobStore (never true for a read-only peer).
	Wrote bool
}

// Run executes the transaction of spec.md §4.7.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	local, err := e.provider.Export(ctx, e.deviceID)
	if err != nil {
		return Result{}, fmt.Errorf("syncengine: export local tree: %w", err)
	}

	remoteID, remotePayload, found, err := e.findRemote(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("syncengine: find remote snapshot: %w", err)
	}
	if !found {
		if err := e.writeRemote(ctx, "", local); err != nil {
			return Result{}, fmt.Errorf("syncengine: upload initial remote snapshot: %w", err)
		}
		return Result{NoRemote: true, Wrote: true}, nil
	}

	remote, err := e.decodeRemote(remotePayload)
	if err != nil {
		return Result{}, fmt.Errorf("syncengine: decode remote snapshot: %w", err)
	}

	if local.RootHash == remote.RootHash {
		return Result{UpToDate: true}, nil
	}

	strategy := e.strategy
	if !e.writable {
		// A read-only peer never asserts its own edits over the
		// remote's; it always takes the remote value.
		strategy = conflict.PreferRemote
	}

	conflicts := conflict.Detect(local, remote)
	if len(conflicts) > 0 && strategy == conflict.Manual {
		return Result{Conflicts: conflicts}, ErrManualResolutionRequired
	}

	plan := conflict.Resolve(conflicts, strategy, dateLookup(local, remote))
	d := buildDelta(local, remote, plan)

	result := Result{}
	if !d.IsEmpty() {
		end := e.provider.BeginBulk()
		defer end()
		if err := e.provider.Apply(ctx, d); err != nil {
			return result, fmt.Errorf("syncengine: apply delta: %w", err)
		}
		result.Applied = true
	}

	if !e.writable {
		return result, nil
	}

	merged, err := e.provider.Export(ctx, e.deviceID)
	if err != nil {
		return result, fmt.Errorf("syncengine: export merged tree: %w", err)
	}
	if err := e.writeRemote(ctx, remoteID, merged); err != nil {
		return result, fmt.Errorf("syncengine: write merged snapshot: %w", err)
	}
	result.Wrote = true
	return result, nil
}

func (e *Engine) findRemote(ctx context.Context) (id string, payload []byte, found bool, err error) {
	page, err := e.blobs.List(ctx, e.folderID, bookmarkapi.ListQuery{NamePrefix: RemoteObjectName})
	if err != nil {
		return "", nil, false, err
	}
	for _, item := range page.Items {
		if item.Name == RemoteObjectName {
			data, err := e.blobs.Download(ctx, item.ID)
			if err != nil {
				return "", nil, false, err
			}
			return item.ID, data, true, nil
		}
	}
	return "", nil, false, nil
}

func (e *Engine) decodeRemote(payload []byte) (*delta.TreeSnapshot, error) {
	if e.crypto != nil {
		env, err := crypto.UnmarshalEnvelope(payload)
		if err == nil {
			payload, err = e.crypto.Decrypt(env, e.passphrase)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", crypto.ErrCrypto, err)
			}
		}
	}
	var snap delta.TreeSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// writeRemote replaces the existing remote object (if any) with snap,
// keeping a single canonical object under RemoteObjectName rather than
// accumulating one per sync.
func (e *Engine) writeRemote(ctx context.Context, existingID string, snap *delta.TreeSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if e.crypto != nil {
		env, err := e.crypto.Encrypt(payload, e.passphrase)
		if err != nil {
			return fmt.Errorf("%w: %s", crypto.ErrCrypto, err)
		}
		payload, err = env.Marshal()
		if err != nil {
			return err
		}
	}
	if _, err := e.blobs.Upload(ctx, RemoteObjectName, payload, e.folderID); err != nil {
		return err
	}
	if existingID != "" {
		if err := e.blobs.Delete(ctx, existingID); err != nil {
			return err
		}
	}
	return nil
}

// dateLookup resolves dateGroupModified on each side for the
// preferNewest strategy.
func dateLookup(local, remote *delta.TreeSnapshot) func(nodeID string) (time.Time, time.Time, bool) {
	localIndex := booktree.Flatten(local.Nodes)
	remoteIndex := booktree.Flatten(remote.Nodes)
	return func(nodeID string) (time.Time, time.Time, bool) {
		l, okL := localIndex[nodeID]
		r, okR := remoteIndex[nodeID]
		if !okL || !okR {
			return time.Time{}, time.Time{}, false
		}
		return l.DateGroupModified, r.DateGroupModified, true
	}
}

// buildDelta computes the Delta turning local into remote, then filters
// its Modified entries by plan: TakeLocal drops the node's remote
// changes entirely, TakeRemote keeps them as-is, Merge keeps only the
// fields whose FieldOverride names the remote side. Added and Deleted
// entries are one-sided by construction (conflict.Detect never reports
// them) and pass through unfiltered.
func buildDelta(local, remote *delta.TreeSnapshot, plan conflict.ResolutionPlan) *delta.Delta {
	d := delta.Diff(local, remote)
	if len(plan) == 0 {
		return d
	}

	overrides := make(map[string]conflict.NodePlan, len(plan))
	for _, p := range plan {
		overrides[p.NodeID] = p
	}

	filtered := d.Modified[:0:0]
	for _, m := range d.Modified {
		p, ok := overrides[m.ID]
		if !ok {
			filtered = append(filtered, m)
			continue
		}
		switch p.Resolution {
		case conflict.TakeLocal:
			// drop: local's values stand, no change applied for this node.
		case conflict.TakeRemote:
			filtered = append(filtered, m)
		case conflict.Merge:
			sideForField := make(map[string]conflict.Resolution, len(p.FieldOverrides))
			for _, fo := range p.FieldOverrides {
				sideForField[mapConflictField(fo.Field)] = fo.Side
			}
			var kept []delta.FieldChange
			for _, fc := range m.Changes {
				if side, ok := sideForField[fc.Field]; !ok || side == conflict.TakeRemote {
					kept = append(kept, fc)
				}
			}
			if len(kept) > 0 {
				filtered = append(filtered, delta.ModifiedNode{ID: m.ID, Changes: kept})
			}
		}
	}
	d.Modified = filtered
	return d
}

// mapConflictField translates conflict.FieldConflict's human-readable
// field name to delta.FieldChange's wire field name.
func mapConflictField(f string) string {
	if f == "position/parent" {
		return "parent_id"
	}
	return f
}
