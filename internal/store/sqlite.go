// Package store implements the durable on-device persistence layer:
// the local replica of the entity collections, the sync queue, the bounded
// failure history, and key/value metadata — all in one SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleetcomply/dutysync/internal/types"
)

// SQLiteStore is the SQLite-backed persistent store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath, applies the
// pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection: the orchestrator and user-initiated writes share
	// the same collections, and interleaved partial writes are the primary
	// hazard. One connection serializes them.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", mapStorageError(err))
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for durability and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = `local_id, entity_type, server_id, payload, is_synced,
	sync_error, server_version, server_updated_at, created_at_local, updated_at_local`

// GetRecord returns the record with the given local_id.
func (s *SQLiteStore) GetRecord(ctx context.Context, localID string) (*types.LocalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE local_id = ?`, localID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %q: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, mapStorageError(err)
	}
	return rec, nil
}

// ListRecords returns all records of one kind, oldest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, kind types.EntityKind) ([]types.LocalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE entity_type = ? ORDER BY created_at_local ASC`,
		string(kind))
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	records := make([]types.LocalRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, mapStorageError(err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// PutRecord upserts a record by local_id. A put for an existing local_id
// replaces the row and stamps updated_at_local; created_at_local is set on
// first insert only. Returns ErrServerIDImmutable if the put would change
// an already-assigned server identity.
func (s *SQLiteStore) PutRecord(ctx context.Context, rec *types.LocalRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStorageError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := upsertRecordTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapStorageError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// DeleteRecord removes the record with the given local_id.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, localID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, localID)
	if err != nil {
		return mapStorageError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %q: %w", localID, ErrNotFound)
	}
	return nil
}

// ApplyLocalMutation performs a local write and its queue enqueue as one
// atomic unit: the record upsert and the queue item land in a single
// transaction, so a crash never leaves a local edit without its pending
// mutation (or vice versa).
func (s *SQLiteStore) ApplyLocalMutation(ctx context.Context, rec *types.LocalRecord, item *types.QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStorageError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := upsertRecordTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := insertQueueItemTx(ctx, tx, item); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapStorageError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ApplyLocalDelete removes the record and enqueues the delete mutation in
// one transaction.
func (s *SQLiteStore) ApplyLocalDelete(ctx context.Context, localID string, item *types.QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStorageError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, localID)
	if err != nil {
		return mapStorageError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %q: %w", localID, ErrNotFound)
	}

	if err := insertQueueItemTx(ctx, tx, item); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapStorageError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// MergeAuthoritative writes the server-confirmed state of a record back
// into the local replica: server identity, server version and timestamp,
// the winning payload, is_synced=true, sync_error cleared.
//
// updated_at_local is left untouched: it records when the user last
// edited the record, and last-writer-wins resolution compares it against
// server timestamps. A confirmation is not a local edit; restamping here
// would let stale queued mutations outrank newer server writes.
//
// Only the orchestrator calls this; it is the single writer of server_id
// and is_synced.
func (s *SQLiteStore) MergeAuthoritative(ctx context.Context, localID, serverID string, payload json.RawMessage, version int64, serverUpdatedAt time.Time) error {
	existing, err := s.GetRecord(ctx, localID)
	if err != nil {
		return err
	}
	if existing.ServerID != "" && existing.ServerID != serverID {
		return fmt.Errorf("record %q: %w", localID, ErrServerIDImmutable)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE records
		SET server_id = ?, payload = ?, is_synced = 1, sync_error = NULL,
		    server_version = ?, server_updated_at = ?
		WHERE local_id = ?`,
		serverID, string(payload), version,
		serverUpdatedAt.UTC().Format(time.RFC3339Nano),
		localID)
	if err != nil {
		return mapStorageError(err)
	}
	return nil
}

// SetRecordSyncError records the last failure message on a record.
// Cleared again by MergeAuthoritative on success.
func (s *SQLiteStore) SetRecordSyncError(ctx context.Context, localID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_error = ? WHERE local_id = ?`, message, localID)
	return mapStorageError(err)
}

// DataStats returns per-kind counts by sync state.
func (s *SQLiteStore) DataStats(ctx context.Context) (map[types.EntityKind]types.DataStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type,
		       COUNT(*),
		       SUM(CASE WHEN is_synced = 1 THEN 1 ELSE 0 END)
		FROM records GROUP BY entity_type`)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	stats := make(map[types.EntityKind]types.DataStats, len(types.Kinds))
	for _, k := range types.Kinds {
		stats[k] = types.DataStats{}
	}
	for rows.Next() {
		var kind string
		var total, synced int
		if err := rows.Scan(&kind, &total, &synced); err != nil {
			return nil, err
		}
		stats[types.EntityKind(kind)] = types.DataStats{
			Total:    total,
			Synced:   synced,
			Unsynced: total - synced,
		}
	}
	return stats, rows.Err()
}

// ClearAll removes every row from every collection. Used by restore and by
// the "wipe device" path.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStorageError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := clearAllTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapStorageError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func clearAllTx(ctx context.Context, tx *sql.Tx) error {
	for _, table := range []string{"records", "sync_queue", "sync_errors"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return mapStorageError(err)
		}
	}
	// app_meta keeps schema_version; everything else goes.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM app_meta WHERE key != 'schema_version'`); err != nil {
		return mapStorageError(err)
	}
	return nil
}

// upsertRecordTx writes a record inside an existing transaction, enforcing
// server_id immutability and stamping timestamps.
func upsertRecordTx(ctx context.Context, tx *sql.Tx, rec *types.LocalRecord) error {
	now := time.Now().UTC()

	var existingServerID sql.NullString
	var existingCreatedAt string
	err := tx.QueryRowContext(ctx,
		`SELECT server_id, created_at_local FROM records WHERE local_id = ?`,
		rec.LocalID).Scan(&existingServerID, &existingCreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if rec.CreatedAtLocal.IsZero() {
			rec.CreatedAtLocal = now
		}
	case err != nil:
		return mapStorageError(err)
	default:
		if existingServerID.String != "" && rec.ServerID != "" && rec.ServerID != existingServerID.String {
			return fmt.Errorf("record %q: %w", rec.LocalID, ErrServerIDImmutable)
		}
		if rec.ServerID == "" {
			rec.ServerID = existingServerID.String
		}
		if t, perr := time.Parse(time.RFC3339Nano, existingCreatedAt); perr == nil {
			rec.CreatedAtLocal = t
		}
	}

	rec.UpdatedAtLocal = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (local_id, entity_type, server_id, payload, is_synced,
			sync_error, server_version, server_updated_at, created_at_local, updated_at_local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			server_id = excluded.server_id,
			payload = excluded.payload,
			is_synced = excluded.is_synced,
			sync_error = excluded.sync_error,
			server_version = excluded.server_version,
			server_updated_at = excluded.server_updated_at,
			updated_at_local = excluded.updated_at_local`,
		rec.LocalID, string(rec.Kind), nullableString(rec.ServerID), string(rec.Payload),
		boolToInt(rec.IsSynced), nullableString(rec.SyncError), rec.ServerVersion,
		nullableTime(rec.ServerUpdatedAt),
		rec.CreatedAtLocal.Format(time.RFC3339Nano),
		rec.UpdatedAtLocal.Format(time.RFC3339Nano))
	if err != nil {
		return mapStorageError(err)
	}
	return nil
}

// scanRecord scans a row into a LocalRecord.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.LocalRecord, error) {
	var rec types.LocalRecord
	var kind, payload, createdAt, updatedAt string
	var serverID, syncError, serverUpdatedAt sql.NullString
	var isSynced int

	err := scanner.Scan(
		&rec.LocalID,
		&kind,
		&serverID,
		&payload,
		&isSynced,
		&syncError,
		&rec.ServerVersion,
		&serverUpdatedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = types.EntityKind(kind)
	rec.ServerID = serverID.String
	rec.Payload = json.RawMessage(payload)
	rec.IsSynced = isSynced == 1
	rec.SyncError = syncError.String

	if serverUpdatedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, serverUpdatedAt.String); err == nil {
			rec.ServerUpdatedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAtLocal = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAtLocal = t
	}

	return &rec, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
