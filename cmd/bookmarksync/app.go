package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/bookmarksync/internal/backup"
	"github.com/hyperengineering/bookmarksync/internal/blobstore"
	"github.com/hyperengineering/bookmarksync/internal/conflict"
	"github.com/hyperengineering/bookmarksync/internal/config"
	"github.com/hyperengineering/bookmarksync/internal/crypto"
	"github.com/hyperengineering/bookmarksync/internal/localbookmarks"
	"github.com/hyperengineering/bookmarksync/internal/localstore"
	"github.com/hyperengineering/bookmarksync/internal/resourcemon"
	"github.com/hyperengineering/bookmarksync/internal/schedule"
	"github.com/hyperengineering/bookmarksync/internal/syncengine"
	"github.com/hyperengineering/bookmarksync/pkg/bookmarkapi"
)

// app bundles the components every CLI command and the daemon build
// from config.Config. One-shot commands (sync, backup, restore,
// schedule, cleanup, status) construct an app, do one thing, and close
// it; run() keeps it alive for the process lifetime.
type app struct {
	cfg      *config.Config
	store    *localstore.Store
	provider bookmarkapi.BookmarkProvider
	blobs    bookmarkapi.BlobStore
	crypto   *crypto.Engine // nil when encryption is disabled
	deviceID string
	folderID string
	monitor  *resourcemon.Monitor

	scheduler    *schedule.Scheduler
	backupEngine *backup.Engine
	syncEngine   *syncengine.Engine
}

// buildApp wires every component from cfg. No network calls are made
// except FindOrCreateFolder against the configured BlobStore.
func buildApp(cfg *config.Config) (*app, error) {
	store, err := localstore.NewStore(expandHome(cfg.Database.Path))
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	deviceID := cfg.Device.ID
	if deviceID == "" {
		deviceID, err = store.DeviceID()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("resolve device id: %w", err)
		}
	}

	provider, err := localbookmarks.NewProvider(bookmarksPath(cfg))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open bookmark provider: %w", err)
	}

	blobs, err := buildBlobStore(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	folderID, err := blobs.FindOrCreateFolder(context.Background(), cfg.Sync.FolderName, "")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("resolve remote folder: %w", err)
	}

	var cryptoEngine *crypto.Engine
	if cfg.Crypto.Enabled {
		cryptoEngine = crypto.NewEngine(crypto.Suite(cfg.Crypto.Suite), crypto.WithPBKDF2Iterations(cfg.Crypto.PBKDF2Iterations))
	}

	scheduler := schedule.New(store, "default", nil)
	if _, err := store.GetSchedule("default"); err != nil {
		seed := schedule.Schedule{
			ID:          "default",
			Enabled:     true,
			Frequency:   schedule.Frequency(cfg.Schedule.Frequency),
			Hour:        cfg.Schedule.Hour,
			Minute:      cfg.Schedule.Minute,
			DayOfWeek:   cfg.Schedule.DayOfWeek,
			DayOfMonth:  cfg.Schedule.DayOfMonth,
			Timezone:    cfg.Schedule.Timezone,
			RetainCount: cfg.Schedule.RetainCount,
		}
		if next, err := schedule.ComputeNext(time.Now(), seed); err == nil {
			seed.NextRun = next
		}
		if err := store.PutSchedule(seed); err != nil {
			store.Close()
			return nil, fmt.Errorf("seed default schedule: %w", err)
		}
	}

	backupOpts := []backup.Option{}
	syncOpts := []syncengine.Option{}
	if cryptoEngine != nil {
		backupOpts = append(backupOpts, backup.WithCrypto(cryptoEngine, cfg.Crypto.Passphrase))
		syncOpts = append(syncOpts, syncengine.WithCrypto(cryptoEngine, cfg.Crypto.Passphrase))
	}

	backupEngine := backup.NewEngine(provider, blobs, store, deviceID, folderID, backupOpts...)
	syncEngine := syncengine.NewEngine(provider, blobs, deviceID, folderID,
		syncengine.Mode(cfg.Sync.Mode), cfg.Sync.Writable, conflict.Strategy(cfg.Sync.Strategy), syncOpts...)

	monitor := resourcemon.New(nil, nil, nil, nil) // probes are supplied by an embedding application; nil is fail-open

	return &app{
		cfg:          cfg,
		store:        store,
		provider:     provider,
		blobs:        blobs,
		crypto:       cryptoEngine,
		deviceID:     deviceID,
		folderID:     folderID,
		monitor:      monitor,
		scheduler:    scheduler,
		backupEngine: backupEngine,
		syncEngine:   syncEngine,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func buildBlobStore(cfg *config.Config) (bookmarkapi.BlobStore, error) {
	if cfg.BlobStore.Bucket != "" {
		store, err := blobstore.NewS3BlobStore(cfg.BlobStore, nil)
		if err != nil {
			return nil, fmt.Errorf("initialize S3 blobstore: %w", err)
		}
		return store, nil
	}
	store, err := blobstore.NewLocalBlobStore(expandHome(cfg.BlobStore.LocalDir))
	if err != nil {
		return nil, fmt.Errorf("initialize local blobstore: %w", err)
	}
	return store, nil
}

// bookmarksPath locates the reference BookmarkProvider's backing file
// next to the local state database.
func bookmarksPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(expandHome(cfg.Database.Path)), "bookmarks.json")
}

// expandHome resolves a leading "~" the way a shell would, since
// config.go's defaults (e.g. BlobStoreConfig.LocalDir) use it and
// os.MkdirAll does not understand it natively.
func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// newSharedBusyFlag returns the process-wide single-writer guard
// spec.md §5 requires across the three scan loops (main, retry, deferred).
func newSharedBusyFlag() *atomic.Bool {
	return &atomic.Bool{}
}
