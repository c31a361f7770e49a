// Package orchestrator implements the reconciliation loop: it drains the
// sync queue against the remote system-of-record, applies last-writer-wins
// conflict resolution, writes confirmed state back to the local store, and
// reports progress.
//
// States: Idle → Draining → (per item) Sending → Succeeded | Retrying |
// Failed → Draining | Idle. Exactly one drain pass is active at a time;
// triggers arriving mid-drain coalesce into one follow-up pass.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"

	"github.com/fleetcomply/dutysync/internal/errclass"
	"github.com/fleetcomply/dutysync/internal/remote"
	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/types"
)

// ErrDrainInProgress is returned when a trigger arrives mid-drain. The
// running drain picks up the coalesced follow-up pass; the caller has
// nothing more to do.
var ErrDrainInProgress = errors.New("drain already in progress, follow-up pass scheduled")

// DefaultErrorHistory bounds the persisted failure diagnostics.
const DefaultErrorHistory = 50

// RecordStore defines the store operations the orchestrator needs. The
// orchestrator is the only component that writes server_id and is_synced.
type RecordStore interface {
	GetRecord(ctx context.Context, localID string) (*types.LocalRecord, error)
	MergeAuthoritative(ctx context.Context, localID, serverID string, payload json.RawMessage, version int64, serverUpdatedAt time.Time) error
	SetRecordSyncError(ctx context.Context, localID, message string) error
	AppendSyncError(ctx context.Context, e *types.SyncError, keep int) error
	MarkSyncErrorsResolved(ctx context.Context, entityID string) error
}

// Queue defines the queue operations the orchestrator needs.
type Queue interface {
	DequeueBatch(ctx context.Context) ([]types.QueueItem, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	MarkPermanentlyFailed(ctx context.Context, id string, cause error) error
}

// RemoteClient defines the system-of-record operations. All three are
// safely retryable: create is idempotent under the client-supplied key,
// update under (id, expected version), delete under id.
type RemoteClient interface {
	Create(ctx context.Context, kind types.EntityKind, payload json.RawMessage, idempotencyKey string) (*remote.Record, error)
	Update(ctx context.Context, kind types.EntityKind, serverID string, payload json.RawMessage, expectedVersion int64) (*remote.Record, error)
	Delete(ctx context.Context, kind types.EntityKind, serverID string) error
}

// Result summarizes one drain (all coalesced passes).
type Result struct {
	Total     int
	Completed int
	Failed    int
	Conflicts int
	Paused    bool // drain stopped early because the device went offline
	StartedAt time.Time
	EndedAt   time.Time
}

// Orchestrator is the sync state machine.
type Orchestrator struct {
	store        RecordStore
	queue        Queue
	remote       RemoteClient
	errorHistory int
	progressFn   func(types.SyncProgress)
	delayCap     time.Duration // shortens retry waits in tests; zero means uncapped

	mu       sync.Mutex
	draining bool
	pending  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgress registers a progress sink, called after every item.
func WithProgress(fn func(types.SyncProgress)) Option {
	return func(o *Orchestrator) { o.progressFn = fn }
}

// WithErrorHistory bounds the persisted failure history.
func WithErrorHistory(n int) Option {
	return func(o *Orchestrator) { o.errorHistory = n }
}

// New creates an orchestrator.
func New(recordStore RecordStore, q Queue, client RemoteClient, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        recordStore,
		queue:        q,
		remote:       client,
		errorHistory: DefaultErrorHistory,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Draining reports whether a drain pass is active.
func (o *Orchestrator) Draining() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining
}

// Drain runs passes until the queue is empty or every remaining item is
// permanently failed. If a drain is already active it schedules one
// follow-up pass and returns ErrDrainInProgress.
func (o *Orchestrator) Drain(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if o.draining {
		o.pending = true
		o.mu.Unlock()
		return nil, ErrDrainInProgress
	}
	o.draining = true
	o.pending = false
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
	}()

	result := &Result{StartedAt: time.Now().UTC()}
	for {
		if err := o.runPass(ctx, result); err != nil {
			result.EndedAt = time.Now().UTC()
			return result, err
		}

		o.mu.Lock()
		rerun := o.pending && !result.Paused
		o.pending = false
		o.mu.Unlock()
		if !rerun {
			break
		}
	}

	result.EndedAt = time.Now().UTC()
	slog.Info("drain complete",
		"total", result.Total,
		"completed", result.Completed,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"paused", result.Paused,
		"duration_ms", result.EndedAt.Sub(result.StartedAt).Milliseconds(),
	)
	return result, nil
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
	outcomePause // device offline: stop the batch, resume on reconnect
	outcomeAbort // context cancelled
)

// runPass processes every drainable item once, in priority order.
func (o *Orchestrator) runPass(ctx context.Context, result *Result) error {
	attempted := make(map[string]bool)

	for {
		batch, err := o.queue.DequeueBatch(ctx)
		if err != nil {
			return fmt.Errorf("dequeue batch: %w", err)
		}

		fresh := batch[:0:0]
		for _, item := range batch {
			if !attempted[item.ID] {
				fresh = append(fresh, item)
			}
		}
		if len(fresh) == 0 {
			o.reportProgress(result, "")
			return nil
		}
		result.Total += len(fresh)

		for i := range fresh {
			item := &fresh[i]
			attempted[item.ID] = true
			o.reportProgress(result, fmt.Sprintf("%s %s %s", item.Action, item.Kind, item.LocalID))

			switch o.processItem(ctx, item, result) {
			case outcomeOK:
				result.Completed++
			case outcomeFailed:
				result.Failed++
			case outcomePause:
				result.Paused = true
				o.reportProgress(result, "")
				slog.Info("drain paused, waiting for reconnect", "remaining", result.Total-result.Completed-result.Failed)
				return nil
			case outcomeAbort:
				o.reportProgress(result, "")
				return ctx.Err()
			}
			o.reportProgress(result, "")
		}
	}
}

// processItem moves one item through Sending and its terminal state.
func (o *Orchestrator) processItem(ctx context.Context, item *types.QueueItem, result *Result) outcome {
	rec, err := o.attemptWithRetry(ctx, item)
	if err == nil {
		return o.confirm(ctx, item, rec)
	}

	cls := errclass.Classify(err)
	switch cls.Strategy {
	case errclass.StrategyResolve:
		result.Conflicts++
		return o.resolveConflict(ctx, item, err)
	case errclass.StrategyCache:
		return outcomePause
	case errclass.StrategyIgnore:
		return outcomeAbort
	case errclass.StrategyUserAction:
		o.retire(ctx, item, cls, err)
		return outcomeFailed
	default:
		// Retry budget exhausted; the durable retry_count already
		// excludes the item from future automatic passes.
		o.recordFailure(ctx, item, cls, err, false)
		return outcomeFailed
	}
}

// attemptWithRetry sends the item, retrying retryable failures with the
// classifier's delay. Every failed attempt durably increments the item's
// retry count before the next one, so a crash mid-drain never resets the
// budget. Attempts are bounded by both the item's remaining budget and
// the classifier's per-pass cap.
func (o *Orchestrator) attemptWithRetry(ctx context.Context, item *types.QueueItem) (*remote.Record, error) {
	var rec *remote.Record
	delay := 2 * time.Second
	passAttempts := 0

	attempt := func(ctx context.Context) error {
		r, sendErr := o.send(ctx, item)
		if sendErr == nil {
			rec = r
			return nil
		}

		cls := errclass.Classify(sendErr)
		if cls.Strategy != errclass.StrategyRetry {
			return sendErr
		}

		if markErr := o.queue.MarkFailed(ctx, item.ID, sendErr); markErr != nil {
			slog.Error("failed to persist retry bookkeeping", "item_id", item.ID, "error", markErr)
			return markErr
		}
		item.RetryCount++

		passAttempts++
		delay = cls.Delay
		if item.Exhausted() || passAttempts >= cls.MaxAttempts {
			return sendErr
		}
		slog.Debug("retrying queue item",
			"item_id", item.ID,
			"retry_count", item.RetryCount,
			"delay", delay,
			"component", "orchestrator",
		)
		return retry.RetryableError(sendErr)
	}

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if o.delayCap > 0 && delay > o.delayCap {
			return o.delayCap, false
		}
		return delay, false
	})
	err := retry.Do(ctx, backoff, attempt)
	return rec, err
}

// send performs the remote operation for one item. Dispatch is exhaustive
// over the action union.
func (o *Orchestrator) send(ctx context.Context, item *types.QueueItem) (*remote.Record, error) {
	switch item.Action {
	case types.ActionCreate:
		return o.remote.Create(ctx, item.Kind, item.Payload, item.LocalID)

	case types.ActionUpdate:
		serverID, version, err := o.serverIdentity(ctx, item)
		if err != nil {
			return nil, err
		}
		if serverID == "" {
			// Never accepted by the server: an update before the create
			// was confirmed. The idempotent create carries the final
			// payload snapshot.
			return o.remote.Create(ctx, item.Kind, item.Payload, item.LocalID)
		}
		return o.remote.Update(ctx, item.Kind, serverID, item.Payload, version)

	case types.ActionDelete:
		serverID := item.ServerID
		if serverID == "" {
			// The record never reached the server; nothing to delete.
			return nil, nil
		}
		err := o.remote.Delete(ctx, item.Kind, serverID)
		if errors.Is(err, remote.ErrNotFound) {
			// Already gone remotely; the intent is satisfied.
			return nil, nil
		}
		return nil, err

	default:
		return nil, fmt.Errorf("unknown queue action %q", item.Action)
	}
}

// serverIdentity resolves the current server id and version for an update,
// preferring the live record (an earlier create in this drain may have
// assigned them after the item was enqueued).
func (o *Orchestrator) serverIdentity(ctx context.Context, item *types.QueueItem) (string, int64, error) {
	rec, err := o.store.GetRecord(ctx, item.LocalID)
	if errors.Is(err, store.ErrNotFound) {
		return item.ServerID, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	if rec.ServerID != "" {
		return rec.ServerID, rec.ServerVersion, nil
	}
	return item.ServerID, 0, nil
}

// confirm applies a successful send: merge the authoritative record into
// the local store, remove the queue item, and resolve prior diagnostics.
func (o *Orchestrator) confirm(ctx context.Context, item *types.QueueItem, rec *remote.Record) outcome {
	if rec != nil {
		err := o.store.MergeAuthoritative(ctx, item.LocalID, rec.ServerID, rec.Payload, rec.Version, rec.UpdatedAt)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Record deleted locally since enqueue; the delete mutation
			// is behind us in the queue and will reconcile the server.
			slog.Debug("confirmed record no longer exists locally", "local_id", item.LocalID)
		case err != nil:
			o.recordFailure(ctx, item, errclass.Classify(err), err, false)
			return outcomeFailed
		}
	}

	if err := o.queue.MarkSucceeded(ctx, item.ID); err != nil {
		slog.Error("failed to remove confirmed queue item", "item_id", item.ID, "error", err)
		return outcomeFailed
	}
	if err := o.store.MarkSyncErrorsResolved(ctx, item.LocalID); err != nil {
		slog.Warn("failed to resolve error history", "local_id", item.LocalID, "error", err)
	}
	return outcomeOK
}

// retire permanently fails an item that cannot self-heal.
func (o *Orchestrator) retire(ctx context.Context, item *types.QueueItem, cls errclass.Classification, cause error) {
	if err := o.queue.MarkPermanentlyFailed(ctx, item.ID, cause); err != nil {
		slog.Error("failed to retire queue item", "item_id", item.ID, "error", err)
	}
	o.recordFailure(ctx, item, cls, cause, false)
}

// recordFailure stamps the record's sync_error and appends to the bounded
// diagnostic history.
func (o *Orchestrator) recordFailure(ctx context.Context, item *types.QueueItem, cls errclass.Classification, cause error, resolved bool) {
	slog.Warn("queue item failed",
		"item_id", item.ID,
		"local_id", item.LocalID,
		"action", item.Action,
		"error_type", cls.Type,
		"error", cause,
		"component", "orchestrator",
	)

	if err := o.store.SetRecordSyncError(ctx, item.LocalID, cause.Error()); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		slog.Warn("failed to stamp record sync error", "local_id", item.LocalID, "error", err)
	}

	syncErr := &types.SyncError{
		ID:         ulid.Make().String(),
		Timestamp:  time.Now().UTC(),
		Type:       cls.Type,
		Message:    cause.Error(),
		EntityKind: item.Kind,
		EntityID:   item.LocalID,
		RetryCount: item.RetryCount,
		Resolved:   resolved,
	}
	if err := o.store.AppendSyncError(ctx, syncErr, o.errorHistory); err != nil {
		slog.Warn("failed to append sync error", "error", err)
	}
}

func (o *Orchestrator) reportProgress(result *Result, current string) {
	if o.progressFn == nil {
		return
	}
	o.progressFn(types.SyncProgress{
		TotalItems:       result.Total,
		CompletedItems:   result.Completed + result.Failed,
		CurrentOperation: current,
	})
}
