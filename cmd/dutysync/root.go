package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/fleetcomply/dutysync/internal/api"
	"github.com/fleetcomply/dutysync/internal/config"
	"github.com/fleetcomply/dutysync/internal/coordinator"
	"github.com/fleetcomply/dutysync/internal/netmon"
	"github.com/fleetcomply/dutysync/internal/queue"
	"github.com/fleetcomply/dutysync/internal/remote"
	"github.com/fleetcomply/dutysync/internal/snapshot"
	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dutysync",
	Short: "DutySync - offline-first compliance record sync engine",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(backupCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize logger
	logger := slog.New(newLogHandler(os.Stdout, cfg.Log.Level, cfg.Log.Format))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// Remote system-of-record client
	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey,
		time.Duration(cfg.Remote.RequestTimeout))
	slog.Info("remote client initialized", "base_url", cfg.Remote.BaseURL)

	// Durable sync queue
	q := queue.New(db, cfg.Sync.BatchSize, cfg.Sync.MaxRetries)

	// Network monitor fed by the probe source
	monitor := netmon.New(client)
	source := netmon.NewProbeSource(client,
		time.Duration(cfg.Network.ProbeInterval),
		time.Duration(cfg.Network.ProbeTimeout))

	// Coordinator owns the orchestrator and sync triggering
	coord := coordinator.New(db, q, monitor, client, cfg.Sync.ErrorHistory)
	coord.Start(ctx)
	defer coord.Stop()

	// Backup uploader (NoopUploader when no bucket is configured)
	uploader, err := snapshot.NewUploader(cfg.Storage)
	if err != nil {
		return err
	}

	deviceID := resolveDeviceID(ctx, cfg, db)

	// HTTP router
	handler := api.NewHandler(coord, db, uploader, deviceID, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// Worker lifecycle
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "netmon-source", source.Run)
	startWorker(ctx, &wg, "netmon", func(ctx context.Context) {
		monitor.Run(ctx, source.Events())
	})
	syncWorker := worker.NewSyncWorker(coord, time.Duration(cfg.Sync.Interval))
	startWorker(ctx, &wg, "sync", syncWorker.Run)
	backupWorker := worker.NewBackupWorker(db, uploader, deviceID,
		cfg.Device.App, cfg.Device.Platform, time.Duration(cfg.Backup.Interval))
	startWorker(ctx, &wg, "backup", backupWorker.Run)

	// Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error indicates an actual server failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Wait for workers to complete
	wg.Wait()

	// Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// resolveDeviceID prefers the configured id, then the persisted one, and
// finally mints and persists a fresh ULID so the id is stable across runs.
func resolveDeviceID(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) string {
	if cfg.Device.ID != "" {
		return cfg.Device.ID
	}
	if id, err := db.GetMeta(ctx, store.MetaDeviceID); err == nil && id != "" {
		return id
	}
	id := ulid.Make().String()
	if err := db.SetMeta(ctx, store.MetaDeviceID, id); err != nil {
		slog.Warn("failed to persist device id", "error", err)
	}
	return id
}

// newLogHandler selects the handler for the configured log format. JSON
// is the default; "text" is for reading a console by eye during local
// development.
func newLogHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
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
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
