package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetcomply/dutysync/internal/types"
)

// AppendSyncError records a failure in the diagnostic history and prunes
// entries beyond keep (most recent retained).
func (s *SQLiteStore) AppendSyncError(ctx context.Context, e *types.SyncError, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStorageError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_errors (id, error_type, message, entity_type, entity_id,
			retry_count, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Message,
		nullableString(string(e.EntityKind)), nullableString(e.EntityID),
		e.RetryCount, boolToInt(e.Resolved),
		e.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return mapStorageError(fmt.Errorf("append sync error: %w", err))
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM sync_errors WHERE id NOT IN (
				SELECT id FROM sync_errors ORDER BY created_at DESC, id DESC LIMIT ?
			)`, keep)
		if err != nil {
			return mapStorageError(fmt.Errorf("prune sync errors: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return mapStorageError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ListSyncErrors returns the most recent failures, newest first.
func (s *SQLiteStore) ListSyncErrors(ctx context.Context, limit int) ([]types.SyncError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, error_type, message, entity_type, entity_id, retry_count, resolved, created_at
		FROM sync_errors
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapStorageError(fmt.Errorf("query sync errors: %w", err))
	}
	defer rows.Close()

	result := make([]types.SyncError, 0)
	for rows.Next() {
		var e types.SyncError
		var errType, createdAt string
		var entityType, entityID sql.NullString
		var resolved int

		if err := rows.Scan(&e.ID, &errType, &e.Message, &entityType, &entityID,
			&e.RetryCount, &resolved, &createdAt); err != nil {
			return nil, mapStorageError(err)
		}

		e.Type = types.ErrorType(errType)
		e.EntityKind = types.EntityKind(entityType.String)
		e.EntityID = entityID.String
		e.Resolved = resolved == 1
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.Timestamp = t
		}

		result = append(result, e)
	}
	return result, rows.Err()
}

// MarkSyncErrorsResolved flags all recorded failures for an entity as
// resolved. Called after a later drain succeeds for that entity.
func (s *SQLiteStore) MarkSyncErrorsResolved(ctx context.Context, entityID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_errors SET resolved = 1 WHERE entity_id = ?`, entityID)
	return mapStorageError(err)
}

// GetMeta retrieves a metadata value by key.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", mapStorageError(fmt.Errorf("get meta: %w", err))
	}
	return value, nil
}

// SetMeta sets a metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO app_meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return mapStorageError(fmt.Errorf("set meta: %w", err))
	}
	return nil
}

// Well-known meta keys.
const (
	MetaLastSyncAt      = "last_sync_at"
	MetaLastSuccessAt   = "last_success_at"
	MetaNetworkSnapshot = "network_snapshot"
	MetaLastBackupAt    = "last_backup_at"
	MetaDeviceID        = "device_id"
	MetaSettings        = "settings"
)
