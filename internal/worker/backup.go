package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fleetcomply/dutysync/internal/snapshot"
	"github.com/fleetcomply/dutysync/internal/store"
)

// BackupStore defines the store operations needed by the backup worker.
type BackupStore interface {
	CreateBackup(ctx context.Context, app, platform string) (*store.Backup, error)
	SetMeta(ctx context.Context, key, value string) error
}

// BackupWorker periodically serializes the full local dataset and uploads
// it to the configured backup storage. With the NoopUploader the loop
// still runs and stamps the timestamp, so the status surface can tell
// "backups disabled" apart from "backups failing".
type BackupWorker struct {
	store    BackupStore
	uploader snapshot.Uploader
	deviceID string
	app      string
	platform string
	interval time.Duration
}

// NewBackupWorker creates a periodic backup worker.
func NewBackupWorker(s BackupStore, uploader snapshot.Uploader, deviceID, app, platform string, interval time.Duration) *BackupWorker {
	return &BackupWorker{
		store:    s,
		uploader: uploader,
		deviceID: deviceID,
		app:      app,
		platform: platform,
		interval: interval,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *BackupWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.backup(ctx)
		}
	}
}

func (w *BackupWorker) backup(ctx context.Context) {
	doc, err := w.store.CreateBackup(ctx, w.app, w.platform)
	if err != nil {
		slog.Error("failed to create backup",
			"error", err,
			"component", "worker",
		)
		return
	}

	data, err := json.Marshal(doc)
	if err != nil {
		slog.Error("failed to serialize backup",
			"error", err,
			"component", "worker",
		)
		return
	}

	if err := w.uploader.Upload(ctx, w.deviceID, data); err != nil {
		slog.Warn("backup upload failed, will retry next interval",
			"error", err,
			"component", "worker",
		)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := w.store.SetMeta(ctx, store.MetaLastBackupAt, now); err != nil {
		slog.Error("failed to stamp backup timestamp",
			"error", err,
			"component", "worker",
		)
		return
	}

	slog.Info("backup uploaded",
		"action", "backup",
		"records", len(doc.Data.Records),
		"bytes", len(data),
		"component", "worker",
	)
}
