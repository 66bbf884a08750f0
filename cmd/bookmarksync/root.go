package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/bookmarksync/internal/backup"
	"github.com/hyperengineering/bookmarksync/internal/config"
	"github.com/hyperengineering/bookmarksync/internal/resourcemon"
	"github.com/hyperengineering/bookmarksync/internal/retryqueue"
	"github.com/hyperengineering/bookmarksync/internal/statusapi"
	"github.com/hyperengineering/bookmarksync/internal/worker"
	"github.com/hyperengineering/bookmarksync/pkg/bookmarkapi"
)

// Version information set at build time via ldflags:
//
//	-X main.Version=1.0.0
//	-X main.Commit=abc1234
//	-X main.Date=2026-01-30T12:00:00Z
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "bookmarksync",
	Short:         "bookmarksync - cross-device bookmark backup and sync daemon",
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bookmarksync %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(statusCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Wire every component: store, provider, blobstore, crypto, engines
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("store close error", "error", err)
		}
	}()
	slog.Info("store initialized", "path", cfg.Database.Path)
	slog.Info("blobstore initialized", "folder_id", a.folderID)

	// 5. Load any deferred backups persisted from a prior run.
	deferredQueue := retryqueue.NewQueue()
	persisted, err := a.store.ListDeferredItems()
	if err != nil {
		return fmt.Errorf("load deferred backups: %w", err)
	}
	for _, item := range persisted {
		deferredQueue.Insert(item)
	}
	slog.Info("deferred queue loaded", "component", "worker", "count", len(persisted))

	// 6. Initialize HTTP router
	handler := statusapi.NewHandler(a.scheduler, a.store, a.syncEngine, a.backupEngine,
		"default", a.deviceID, Version, time.Now())
	router := statusapi.NewRouter(handler)
	slog.Info("router initialized")

	// 7. Configure HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Worker lifecycle infrastructure. The three scans share a single
	// busy flag (spec.md §5: one writer across Schedule/BackupRecord/
	// DeferredWorkItem state at a time).
	var wg sync.WaitGroup
	busy := newSharedBusyFlag()
	entropy := ulid.Monotonic(rand.Reader, 0)

	mainCoordinator := worker.NewCoordinator("main-scan", time.Duration(cfg.Worker.MainScanInterval), busy, false,
		func(ctx context.Context) error { return a.runMainScan(ctx, deferredQueue, entropy) })
	startWorker(ctx, &wg, "main-scan", mainCoordinator.Run)

	retryScanner := retryqueue.NewScanner(a.monitor, retryqueue.Policy{
		BaseDelay:   time.Duration(cfg.Retry.BaseDelay),
		MaxDelay:    time.Duration(cfg.Retry.MaxDelay),
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, nil)
	retryCoordinator := worker.NewCoordinator("retry-scan", time.Duration(cfg.Worker.RetryScanInterval), busy, false,
		func(ctx context.Context) error { return retryScanner.Scan(ctx, a.store, &retryDispatcher{app: a}) })
	startWorker(ctx, &wg, "retry-scan", retryCoordinator.Run)

	deferredCoordinator := worker.NewCoordinator("deferred-scan", time.Duration(cfg.Worker.DeferredScanInterval), busy, false,
		func(ctx context.Context) error { return a.runDeferredScan(ctx, deferredQueue) })
	startWorker(ctx, &wg, "deferred-scan", deferredCoordinator.Run)

	// 9. Observer-triggered debounced sync: a live tree change schedules a
	// sync a few seconds out instead of running on every single event.
	debounced := worker.NewDebouncedSync(time.Duration(cfg.Worker.ObserverDebounce), func(ctx context.Context) {
		if _, err := a.syncEngine.Run(ctx); err != nil {
			slog.Error("observer-triggered sync failed", "component", "worker", "error", err)
		}
	})
	stopObserving := a.provider.Subscribe(func(_ bookmarkapi.ChangeEvent) {
		debounced.Notify(ctx)
	})
	defer stopObserving()

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")
	debounced.Stop()

	// 12. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 12a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Wait for workers to complete
	wg.Wait()

	// 12c. Store is closed last, via the deferred a.Close() above.
	slog.Info("shutdown complete")
	return nil
}

// runMainScan implements the main scan cadence of spec.md §4.4: if the
// default schedule is due, attempt the backup when the resource monitor
// allows it; otherwise enqueue a DeferredWorkItem for the deferred scan
// to retry once conditions improve.
func (a *app) runMainScan(ctx context.Context, deferredQueue *retryqueue.Queue, entropy *ulid.MonotonicEntropy) error {
	due, err := a.scheduler.IsDue()
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	sched, err := a.scheduler.Get()
	if err != nil {
		return err
	}

	now := time.Now()
	if d := a.monitor.CanPerform(resourcemon.BackupPolicy); !d.Allowed {
		slog.Info("scheduled backup deferred", "component", "worker", "reason", d.Reason)
		item := retryqueue.NewDeferredWorkItem(sched.ID, sched.NextRun, now, entropy)
		if err := a.store.SaveDeferredItem(item); err != nil {
			return err
		}
		deferredQueue.Insert(item)
		if _, err := a.scheduler.Advance(); err != nil {
			return err
		}
		return nil
	}

	rec, err := a.backupEngine.Run(ctx, backup.Request{Kind: backup.KindScheduled, ScheduleID: sched.ID})
	if err != nil {
		slog.Error("scheduled backup failed", "component", "backup", "schedule_id", sched.ID, "error", err)
	} else {
		// Run's own best-effort retention call always passes -1
		// (unlimited); the schedule's real RetainCount is enforced here.
		if err := a.backupEngine.EnforceRetention(sched.ID, sched.RetainCount); err != nil {
			slog.Error("retention enforcement failed", "component", "backup", "schedule_id", sched.ID, "error", err)
		}
		slog.Info("scheduled backup completed", "component", "backup", "record_id", rec.ID, "bytes", rec.Bytes)
	}

	if _, err := a.scheduler.Advance(); err != nil {
		return err
	}
	return nil
}

// runDeferredScan implements the deferred-work scan of spec.md §4.5:
// pop the highest-priority DeferredWorkItem the resource monitor
// currently allows and retry its backup.
func (a *app) runDeferredScan(ctx context.Context, deferredQueue *retryqueue.Queue) error {
	item, err := deferredQueue.Next(a.monitor)
	if err != nil {
		if err == retryqueue.ErrEmpty {
			return nil
		}
		return err
	}
	if err := a.store.DeleteDeferredItem(item.ID); err != nil {
		slog.Error("failed to clear persisted deferred item", "component", "worker", "id", item.ID, "error", err)
	}

	rec, err := a.backupEngine.Run(ctx, backup.Request{Kind: backup.KindScheduled, ScheduleID: item.ScheduleID})
	if err != nil {
		slog.Error("deferred backup failed", "component", "backup", "schedule_id", item.ScheduleID, "error", err)
		return nil
	}
	slog.Info("deferred backup completed", "component", "backup", "record_id", rec.ID)
	return nil
}

// retryDispatcher adapts app.backupEngine to retryqueue.Dispatcher. A
// due retry re-runs the full backup transaction under the original
// record's schedule and folds the fresh outcome back onto the original
// record id, since RetryQueue bookkeeping (PendingRetries/
// SaveRetryState) is keyed on that id.
type retryDispatcher struct {
	app *app
}

func (d *retryDispatcher) Retry(ctx context.Context, backupID string) error {
	old, err := d.app.store.GetRecord(backupID)
	if err != nil {
		return err
	}
	rec, err := d.app.backupEngine.Run(ctx, backup.Request{Kind: old.Kind, ScheduleID: old.ScheduleID, Notes: old.Notes})
	if err != nil {
		return err
	}

	old.Status = rec.Status
	old.CompletedAt = rec.CompletedAt
	old.BlobID = rec.BlobID
	old.Bytes = rec.Bytes
	old.RootHash = rec.RootHash
	old.BookmarkCount = rec.BookmarkCount
	old.FolderCount = rec.FolderCount
	old.Attempt++
	old.Error = ""
	if err := d.app.store.PutRecord(old); err != nil {
		return err
	}
	return d.app.store.DeleteRecord(rec.ID)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
// Note: Workers log their own start/stop messages with detailed context.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
