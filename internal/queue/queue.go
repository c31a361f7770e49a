// Package queue implements the durable sync queue: an ordered list of
// pending mutations with retry bookkeeping and priority. All state lives
// in the persistent store; there is no in-memory queue that could diverge
// from disk across a crash.
package queue

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fleetcomply/dutysync/internal/types"
)

// DefaultMaxRetries bounds automatic retries per item unless the caller
// asks for a different budget at enqueue time.
const DefaultMaxRetries = 3

// ErrInvalidItem is returned when an item fails staging validation.
var ErrInvalidItem = errors.New("invalid queue item")

// Storage defines the store operations the queue needs.
type Storage interface {
	AppendQueueItem(ctx context.Context, item *types.QueueItem) error
	ListQueueBatch(ctx context.Context, limit int) ([]types.QueueItem, error)
	DeleteQueueItem(ctx context.Context, id string) error
	MarkQueueItemFailed(ctx context.Context, id, lastError string, failedAt time.Time) error
	ExhaustQueueItem(ctx context.Context, id, lastError string, failedAt time.Time) error
	ResetFailedQueueItems(ctx context.Context) (int64, error)
	QueueCounts(ctx context.Context) (pending, failed int, err error)
}

// Queue is the durable mutation queue.
type Queue struct {
	storage    Storage
	batchSize  int
	maxRetries int
}

// New creates a queue over the given storage. maxRetries is the retry
// budget stamped on staged items; zero or negative selects
// DefaultMaxRetries.
func New(storage Storage, batchSize, maxRetries int) *Queue {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{storage: storage, batchSize: batchSize, maxRetries: maxRetries}
}

// Stage validates an item and fills in queue-owned fields: id, enqueue
// timestamp, and retry bookkeeping defaults. It does not persist; callers
// that need the record write and the enqueue to be atomic pass the staged
// item to the store's transactional mutation helpers.
func (q *Queue) Stage(item *types.QueueItem) error {
	if !item.Kind.Valid() {
		return fmt.Errorf("unknown entity kind %q: %w", item.Kind, ErrInvalidItem)
	}
	switch item.Action {
	case types.ActionCreate, types.ActionUpdate, types.ActionDelete:
	default:
		return fmt.Errorf("unknown action %q: %w", item.Action, ErrInvalidItem)
	}
	if item.LocalID == "" {
		return fmt.Errorf("missing local_id: %w", ErrInvalidItem)
	}
	if item.Action != types.ActionDelete && len(item.Payload) == 0 {
		return fmt.Errorf("missing payload snapshot: %w", ErrInvalidItem)
	}

	item.ID = newItemID()
	item.CreatedAt = time.Now().UTC()
	item.RetryCount = 0
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.maxRetries
	}
	switch item.Priority {
	case types.PriorityHigh, types.PriorityMedium, types.PriorityLow:
	default:
		item.Priority = types.PriorityMedium
	}
	return nil
}

// Enqueue stages and persists an item.
func (q *Queue) Enqueue(ctx context.Context, item *types.QueueItem) error {
	if err := q.Stage(item); err != nil {
		return err
	}
	return q.storage.AppendQueueItem(ctx, item)
}

// DequeueBatch returns the next drainable items: high before medium before
// low priority, FIFO within a tier. Exhausted items are excluded.
func (q *Queue) DequeueBatch(ctx context.Context) ([]types.QueueItem, error) {
	return q.storage.ListQueueBatch(ctx, q.batchSize)
}

// MarkSucceeded removes a confirmed item.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	return q.storage.DeleteQueueItem(ctx, id)
}

// MarkFailed durably increments the item's retry count and records the
// failure. The increment lands before the next attempt, so a crash cannot
// reset the budget.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.storage.MarkQueueItemFailed(ctx, id, msg, time.Now().UTC())
}

// MarkPermanentlyFailed retires an item from automatic drains until the
// user resets it. Used for non-retryable failures.
func (q *Queue) MarkPermanentlyFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.storage.ExhaustQueueItem(ctx, id, msg, time.Now().UTC())
}

// ResetFailed re-arms all permanently-failed items.
func (q *Queue) ResetFailed(ctx context.Context) (int64, error) {
	return q.storage.ResetFailedQueueItems(ctx)
}

// Counts returns (pending, failed).
func (q *Queue) Counts(ctx context.Context) (int, int, error) {
	return q.storage.QueueCounts(ctx)
}

// Item ids double as the FIFO sort key within a priority tier, so they
// must be strictly increasing even within one millisecond. Monotonic
// entropy guarantees that; the mutex covers its lack of thread safety.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(crand.Reader, 0)
)

func newItemID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
