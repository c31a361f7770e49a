// Package coordinator is the offline-first façade the outer layers talk
// to. Every write goes to the local store first and is queued for later
// reconciliation; reads never touch the network. The coordinator owns
// sync triggering, including the automatic trigger on reconnect edges,
// and aggregates the derived sync status the UI polls.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fleetcomply/dutysync/internal/netmon"
	"github.com/fleetcomply/dutysync/internal/orchestrator"
	"github.com/fleetcomply/dutysync/internal/queue"
	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/types"
)

// ErrOffline is returned when a sync is requested while the device has no
// connectivity. Local writes are unaffected; they queue as usual.
var ErrOffline = errors.New("device is offline")

// statusErrorLimit bounds the error slice embedded in a status response.
const statusErrorLimit = 20

// Coordinator wires the store, queue, network monitor, and orchestrator
// together behind one API.
type Coordinator struct {
	store   *store.SQLiteStore
	queue   *queue.Queue
	monitor *netmon.Monitor
	orch    *orchestrator.Orchestrator

	mu        sync.Mutex
	progress  types.SyncProgress
	connected bool
	subID     int
}

// New composes a coordinator. The orchestrator is constructed here so its
// progress stream feeds the coordinator's status aggregation.
func New(st *store.SQLiteStore, q *queue.Queue, mon *netmon.Monitor, client orchestrator.RemoteClient, errorHistory int) *Coordinator {
	c := &Coordinator{
		store:   st,
		queue:   q,
		monitor: mon,
	}
	c.orch = orchestrator.New(st, q, client,
		orchestrator.WithProgress(c.observeProgress),
		orchestrator.WithErrorHistory(errorHistory),
	)
	return c
}

// Start subscribes to connectivity transitions. On every reconnect edge a
// drain is triggered in the background; a drain already in flight absorbs
// the trigger as a follow-up pass.
func (c *Coordinator) Start(ctx context.Context) {
	c.subID = c.monitor.Subscribe(func(status types.NetworkStatus) {
		c.mu.Lock()
		reconnected := status.Connected && !c.connected
		c.connected = status.Connected
		c.mu.Unlock()

		if !reconnected {
			return
		}
		slog.Info("connectivity restored, triggering sync", "component", "coordinator")
		go func() {
			if _, err := c.TriggerSync(ctx); err != nil &&
				!errors.Is(err, orchestrator.ErrDrainInProgress) &&
				!errors.Is(err, context.Canceled) {
				slog.Error("reconnect sync failed", "error", err)
			}
		}()
	})
}

// Stop removes the connectivity subscription.
func (c *Coordinator) Stop() {
	c.monitor.Unsubscribe(c.subID)
}

// TriggerSync drains the queue now. Returns ErrOffline without touching
// the queue when the device is disconnected, and passes through
// orchestrator.ErrDrainInProgress when a drain is already running.
func (c *Coordinator) TriggerSync(ctx context.Context) (*orchestrator.Result, error) {
	if !c.monitor.Status().Connected {
		return nil, ErrOffline
	}

	if err := c.store.SetMeta(ctx, store.MetaLastSyncAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		slog.Warn("failed to stamp last sync attempt", "error", err)
	}

	result, err := c.orch.Drain(ctx)
	if err != nil {
		return result, err
	}

	if !result.Paused && result.Failed == 0 {
		if err := c.store.SetMeta(ctx, store.MetaLastSuccessAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			slog.Warn("failed to stamp last successful sync", "error", err)
		}
	}
	return result, nil
}

// RetryFailed re-arms permanently-failed queue items and reports how many
// were reset. It does not trigger a drain; callers decide when.
func (c *Coordinator) RetryFailed(ctx context.Context) (int64, error) {
	return c.queue.ResetFailed(ctx)
}

// Status assembles the aggregate sync state from its sources of truth.
func (c *Coordinator) Status(ctx context.Context) (*types.SyncStatus, error) {
	pending, failed, err := c.queue.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}

	status := &types.SyncStatus{
		IsSyncing:    c.orch.Draining(),
		PendingItems: pending,
		FailedItems:  failed,
	}

	c.mu.Lock()
	status.Progress = c.progress
	c.mu.Unlock()

	status.LastSyncAttempt = c.metaTime(ctx, store.MetaLastSyncAt)
	status.LastSuccessfulSync = c.metaTime(ctx, store.MetaLastSuccessAt)

	errs, err := c.store.ListSyncErrors(ctx, statusErrorLimit)
	if err != nil {
		return nil, fmt.Errorf("list sync errors: %w", err)
	}
	status.Errors = errs
	return status, nil
}

// Network returns the last-known connectivity state.
func (c *Coordinator) Network() types.NetworkStatus {
	return c.monitor.Status()
}

// TestConnection actively probes the remote endpoint.
func (c *Coordinator) TestConnection(ctx context.Context, timeout time.Duration) error {
	return c.monitor.TestConnection(ctx, timeout)
}

// Stats returns the per-kind record breakdown.
func (c *Coordinator) Stats(ctx context.Context) (map[types.EntityKind]types.DataStats, error) {
	return c.store.DataStats(ctx)
}

// CreateLocal writes a new record locally and queues its creation. The
// write and the enqueue commit atomically; the record is immediately
// readable regardless of connectivity.
func (c *Coordinator) CreateLocal(ctx context.Context, kind types.EntityKind, payload json.RawMessage) (*types.LocalRecord, error) {
	rec := &types.LocalRecord{
		LocalID: ulid.Make().String(),
		Kind:    kind,
		Payload: payload,
	}
	item := &types.QueueItem{
		Kind:     kind,
		Action:   types.ActionCreate,
		LocalID:  rec.LocalID,
		Payload:  payload,
		Priority: defaultPriority(kind),
	}
	if err := c.queue.Stage(item); err != nil {
		return nil, err
	}
	if err := c.store.ApplyLocalMutation(ctx, rec, item); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateLocal replaces a record's payload locally and queues the update.
// The queued payload is a snapshot; later edits queue their own items.
func (c *Coordinator) UpdateLocal(ctx context.Context, localID string, payload json.RawMessage) (*types.LocalRecord, error) {
	rec, err := c.store.GetRecord(ctx, localID)
	if err != nil {
		return nil, err
	}

	rec.Payload = payload
	rec.IsSynced = false
	item := &types.QueueItem{
		Kind:     rec.Kind,
		Action:   types.ActionUpdate,
		LocalID:  rec.LocalID,
		ServerID: rec.ServerID,
		Payload:  payload,
		Priority: defaultPriority(rec.Kind),
	}
	if err := c.queue.Stage(item); err != nil {
		return nil, err
	}
	if err := c.store.ApplyLocalMutation(ctx, rec, item); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteLocal removes a record locally and queues the remote delete. The
// queue item carries the server id because the record itself is gone.
func (c *Coordinator) DeleteLocal(ctx context.Context, localID string) error {
	rec, err := c.store.GetRecord(ctx, localID)
	if err != nil {
		return err
	}

	item := &types.QueueItem{
		Kind:     rec.Kind,
		Action:   types.ActionDelete,
		LocalID:  rec.LocalID,
		ServerID: rec.ServerID,
		Priority: defaultPriority(rec.Kind),
	}
	if err := c.queue.Stage(item); err != nil {
		return err
	}
	return c.store.ApplyLocalDelete(ctx, localID, item)
}

// Get reads one record from the local store.
func (c *Coordinator) Get(ctx context.Context, localID string) (*types.LocalRecord, error) {
	return c.store.GetRecord(ctx, localID)
}

// List reads all records of one kind from the local store.
func (c *Coordinator) List(ctx context.Context, kind types.EntityKind) ([]types.LocalRecord, error) {
	return c.store.ListRecords(ctx, kind)
}

func (c *Coordinator) observeProgress(p types.SyncProgress) {
	c.mu.Lock()
	c.progress = p
	c.mu.Unlock()
}

func (c *Coordinator) metaTime(ctx context.Context, key string) time.Time {
	raw, err := c.store.GetMeta(ctx, key)
	if err != nil || raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// defaultPriority ranks compliance evidence above fleet reference data.
func defaultPriority(kind types.EntityKind) types.Priority {
	switch kind {
	case types.KindDutyCall:
		return types.PriorityHigh
	case types.KindProfile:
		return types.PriorityLow
	default:
		return types.PriorityMedium
	}
}
