package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetcomply/dutysync/internal/types"
)

// BackupVersion identifies the current snapshot format.
const BackupVersion = "1"

// Backup is one transportable snapshot of every collection plus metadata.
type Backup struct {
	Version   string      `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	App       string      `json:"app"`
	Platform  string      `json:"platform"`
	Data      *BackupData `json:"data"`
}

// BackupData holds the serialized collections.
type BackupData struct {
	Records []types.LocalRecord `json:"records"`
	Queue   []types.QueueItem   `json:"sync_queue"`
	Errors  []types.SyncError   `json:"sync_errors"`
	Meta    map[string]string   `json:"app_meta"`
}

// CreateBackup serializes all collections into one snapshot.
func (s *SQLiteStore) CreateBackup(ctx context.Context, app, platform string) (*Backup, error) {
	backup := &Backup{
		Version:   BackupVersion,
		CreatedAt: time.Now().UTC(),
		App:       app,
		Platform:  platform,
		Data: &BackupData{
			Records: make([]types.LocalRecord, 0),
			Meta:    make(map[string]string),
		},
	}

	for _, kind := range types.Kinds {
		records, err := s.ListRecords(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("backup %s records: %w", kind, err)
		}
		backup.Data.Records = append(backup.Data.Records, records...)
	}

	// Whole queue, including exhausted items; a restored device should
	// surface the same failed work.
	queue, err := s.listAllQueueItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup queue: %w", err)
	}
	backup.Data.Queue = queue

	errs, err := s.ListSyncErrors(ctx, 1000)
	if err != nil {
		return nil, fmt.Errorf("backup sync errors: %w", err)
	}
	backup.Data.Errors = errs

	meta, err := s.listAllMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup meta: %w", err)
	}
	backup.Data.Meta = meta

	return backup, nil
}

// RestoreBackup atomically replaces all collections with the snapshot's
// contents (clear-then-write in one transaction). A malformed snapshot
// fails validation up front and leaves existing data untouched.
func (s *SQLiteStore) RestoreBackup(ctx context.Context, backup *Backup) error {
	if err := validateBackup(backup); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStorageError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := clearAllTx(ctx, tx); err != nil {
		return err
	}

	for i := range backup.Data.Records {
		rec := backup.Data.Records[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (local_id, entity_type, server_id, payload, is_synced,
				sync_error, server_version, server_updated_at, created_at_local, updated_at_local)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.LocalID, string(rec.Kind), nullableString(rec.ServerID), string(rec.Payload),
			boolToInt(rec.IsSynced), nullableString(rec.SyncError), rec.ServerVersion,
			nullableTime(rec.ServerUpdatedAt),
			rec.CreatedAtLocal.UTC().Format(time.RFC3339Nano),
			rec.UpdatedAtLocal.UTC().Format(time.RFC3339Nano)); err != nil {
			return mapStorageError(fmt.Errorf("restore record %q: %w", rec.LocalID, err))
		}
	}

	for i := range backup.Data.Queue {
		if err := insertQueueItemTx(ctx, tx, &backup.Data.Queue[i]); err != nil {
			return fmt.Errorf("restore queue item: %w", err)
		}
	}

	for _, e := range backup.Data.Errors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_errors (id, error_type, message, entity_type, entity_id,
				retry_count, resolved, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.Type), e.Message,
			nullableString(string(e.EntityKind)), nullableString(e.EntityID),
			e.RetryCount, boolToInt(e.Resolved),
			e.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return mapStorageError(fmt.Errorf("restore sync error: %w", err))
		}
	}

	for key, value := range backup.Data.Meta {
		if key == "schema_version" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO app_meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			return mapStorageError(fmt.Errorf("restore meta %q: %w", key, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return mapStorageError(fmt.Errorf("commit restore: %w", err))
	}
	return nil
}

func validateBackup(backup *Backup) error {
	if backup == nil || backup.Version == "" {
		return fmt.Errorf("missing version: %w", ErrInvalidBackup)
	}
	if backup.Data == nil {
		return fmt.Errorf("missing data: %w", ErrInvalidBackup)
	}
	if backup.Version != BackupVersion {
		return fmt.Errorf("unsupported version %q: %w", backup.Version, ErrInvalidBackup)
	}
	return nil
}

func (s *SQLiteStore) listAllQueueItems(ctx context.Context) ([]types.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue ORDER BY id ASC`)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (s *SQLiteStore) listAllMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_meta`)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}
