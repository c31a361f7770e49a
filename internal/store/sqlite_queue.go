package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetcomply/dutysync/internal/types"
)

const insertQueueItemSQL = `
	INSERT INTO sync_queue (id, entity_type, action, local_id, server_id, payload,
		priority, retry_count, max_retries, last_error, failed_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func queueItemArgs(item *types.QueueItem) []any {
	return []any{
		item.ID, string(item.Kind), string(item.Action),
		item.LocalID, nullableString(item.ServerID), nullablePayload(item.Payload),
		item.Priority.Rank(), item.RetryCount, item.MaxRetries,
		nullableString(item.LastError), nullableTime(item.FailedAt),
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// AppendQueueItem persists a queue item.
func (s *SQLiteStore) AppendQueueItem(ctx context.Context, item *types.QueueItem) error {
	_, err := s.db.ExecContext(ctx, insertQueueItemSQL, queueItemArgs(item)...)
	if err != nil {
		return mapStorageError(fmt.Errorf("append queue item: %w", err))
	}
	return nil
}

func insertQueueItemTx(ctx context.Context, tx *sql.Tx, item *types.QueueItem) error {
	_, err := tx.ExecContext(ctx, insertQueueItemSQL, queueItemArgs(item)...)
	if err != nil {
		return mapStorageError(fmt.Errorf("append queue item: %w", err))
	}
	return nil
}

const queueColumns = `id, entity_type, action, local_id, server_id, payload,
	priority, retry_count, max_retries, last_error, failed_at, created_at`

// ListQueueBatch returns drainable items in priority order (high before
// medium before low), FIFO within a tier via ULID ordering. Items that
// have exhausted their retry budget are excluded until reset.
func (s *SQLiteStore) ListQueueBatch(ctx context.Context, limit int) ([]types.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		WHERE retry_count < max_retries
		ORDER BY priority ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapStorageError(fmt.Errorf("query queue: %w", err))
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// GetQueueItem returns a single queue item by id.
func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*types.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, mapStorageError(err)
	}
	return item, nil
}

// DeleteQueueItem removes a confirmed item.
func (s *SQLiteStore) DeleteQueueItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return mapStorageError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue item %q: %w", id, ErrNotFound)
	}
	return nil
}

// MarkQueueItemFailed increments retry_count and records the failure,
// durably, before any further attempt is made.
func (s *SQLiteStore) MarkQueueItemFailed(ctx context.Context, id, lastError string, failedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET retry_count = retry_count + 1, last_error = ?, failed_at = ?
		WHERE id = ?`,
		lastError, failedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return mapStorageError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue item %q: %w", id, ErrNotFound)
	}
	return nil
}

// ExhaustQueueItem burns the remaining retry budget of an item so it is
// excluded from automatic drains (non-retryable failures).
func (s *SQLiteStore) ExhaustQueueItem(ctx context.Context, id, lastError string, failedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET retry_count = max_retries, last_error = ?, failed_at = ?
		WHERE id = ?`,
		lastError, failedAt.UTC().Format(time.RFC3339Nano), id)
	return mapStorageError(err)
}

// ResetFailedQueueItems re-arms permanently-failed items for another drain
// (the manual "retry failed" action). Returns the number reset.
func (s *SQLiteStore) ResetFailedQueueItems(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET retry_count = 0, last_error = NULL, failed_at = NULL
		WHERE retry_count >= max_retries`)
	if err != nil {
		return 0, mapStorageError(err)
	}
	return result.RowsAffected()
}

// QueueCounts returns the number of drainable and permanently-failed items.
func (s *SQLiteStore) QueueCounts(ctx context.Context) (pending, failed int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN retry_count < max_retries THEN 1 ELSE 0 END),
			SUM(CASE WHEN retry_count >= max_retries THEN 1 ELSE 0 END)
		FROM sync_queue`).Scan(&nullInt{&pending}, &nullInt{&failed})
	if err != nil {
		return 0, 0, mapStorageError(err)
	}
	return pending, failed, nil
}

func scanQueueItems(rows *sql.Rows) ([]types.QueueItem, error) {
	items := make([]types.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, mapStorageError(err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanQueueItem(scanner interface{ Scan(...any) error }) (*types.QueueItem, error) {
	var item types.QueueItem
	var kind, action, createdAt string
	var serverID, payload, lastError, failedAt sql.NullString
	var rank int

	err := scanner.Scan(
		&item.ID, &kind, &action, &item.LocalID, &serverID, &payload,
		&rank, &item.RetryCount, &item.MaxRetries, &lastError, &failedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	item.Kind = types.EntityKind(kind)
	item.Action = types.Action(action)
	item.ServerID = serverID.String
	item.Priority = types.PriorityFromRank(rank)
	item.LastError = lastError.String
	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	if failedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, failedAt.String); err == nil {
			item.FailedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}

	return &item, nil
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

// nullInt scans a nullable aggregate into an int, treating NULL as zero.
type nullInt struct{ v *int }

func (n *nullInt) Scan(src any) error {
	if src == nil {
		*n.v = 0
		return nil
	}
	switch x := src.(type) {
	case int64:
		*n.v = int(x)
	default:
		return fmt.Errorf("unsupported count type %T", src)
	}
	return nil
}
