package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleetcomply/dutysync/internal/netmon"
	"github.com/fleetcomply/dutysync/internal/queue"
	"github.com/fleetcomply/dutysync/internal/remote"
	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/types"
)

// stubRemote is an in-memory system-of-record good enough for coordinator
// level tests; orchestrator behavior has its own suite.
type stubRemote struct {
	mu      sync.Mutex
	creates int
	fail    error
}

func (r *stubRemote) Create(ctx context.Context, kind types.EntityKind, payload json.RawMessage, idempotencyKey string) (*remote.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	r.creates++
	return &remote.Record{ServerID: "srv-" + idempotencyKey, Version: 1, UpdatedAt: time.Now().UTC(), Payload: payload}, nil
}

func (r *stubRemote) Update(ctx context.Context, kind types.EntityKind, serverID string, payload json.RawMessage, expectedVersion int64) (*remote.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	return &remote.Record{ServerID: serverID, Version: expectedVersion + 1, UpdatedAt: time.Now().UTC(), Payload: payload}, nil
}

func (r *stubRemote) Delete(ctx context.Context, kind types.EntityKind, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail
}

func newTestCoordinator(t *testing.T, rm *stubRemote) (*Coordinator, *store.SQLiteStore, *netmon.Monitor) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, 10, 0)
	mon := netmon.New(nil)
	return New(st, q, mon, rm, 10), st, mon
}

func TestCreateLocal_ImmediatelyReadableAndQueued(t *testing.T) {
	// Given: a disconnected device
	c, st, _ := newTestCoordinator(t, &stubRemote{})
	ctx := context.Background()

	// When: a record is created
	rec, err := c.CreateLocal(ctx, types.KindDutyCall, json.RawMessage(`{"shift_type":"pre","checked_at":"2026-09-01T08:00:00Z"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Then: it reads back immediately despite being offline
	got, err := c.Get(ctx, rec.LocalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsSynced {
		t.Error("new record should not be marked synced")
	}
	if got.Kind != types.KindDutyCall {
		t.Errorf("kind: %q", got.Kind)
	}

	// And: a create is queued at high priority for compliance evidence
	items, err := st.ListQueueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(items) != 1 || items[0].Action != types.ActionCreate || items[0].Priority != types.PriorityHigh {
		t.Fatalf("queued items: %+v", items)
	}
}

func TestTriggerSync_OfflineRefusesWithoutTouchingQueue(t *testing.T) {
	c, st, _ := newTestCoordinator(t, &stubRemote{})
	ctx := context.Background()

	if _, err := c.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// When: a sync is requested while disconnected
	_, err := c.TriggerSync(ctx)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}

	// Then: the queue is untouched and no attempt was stamped
	pending, _, _ := c.queue.Counts(ctx)
	if pending != 1 {
		t.Errorf("pending items: %d", pending)
	}
	if raw, _ := st.GetMeta(ctx, store.MetaLastSyncAt); raw != "" {
		t.Errorf("sync attempt stamped while offline: %q", raw)
	}
}

func TestTriggerSync_DrainsAndStampsSuccess(t *testing.T) {
	// Given: a connected device with pending work
	rm := &stubRemote{}
	c, st, mon := newTestCoordinator(t, rm)
	ctx := context.Background()
	mon.Apply(netmon.Event{Connected: true, Type: "wifi"})

	rec, err := c.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// When: a sync is triggered
	result, err := c.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if result.Completed != 1 || result.Failed != 0 {
		t.Fatalf("result: %+v", result)
	}

	// Then: the record carries its server identity and is synced
	got, err := c.Get(ctx, rec.LocalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsSynced || got.ServerID != "srv-"+rec.LocalID {
		t.Errorf("record after drain: synced=%v server_id=%q", got.IsSynced, got.ServerID)
	}

	// And: both meta stamps were written
	if raw, _ := st.GetMeta(ctx, store.MetaLastSyncAt); raw == "" {
		t.Error("last sync attempt not stamped")
	}
	if raw, _ := st.GetMeta(ctx, store.MetaLastSuccessAt); raw == "" {
		t.Error("last successful sync not stamped")
	}
}

func TestTriggerSync_PausedSkipsSuccessStamp(t *testing.T) {
	// Given: a monitor that believes it is connected while the endpoint
	// is actually unreachable
	rm := &stubRemote{fail: remote.ErrUnreachable}
	c, st, mon := newTestCoordinator(t, rm)
	ctx := context.Background()
	mon.Apply(netmon.Event{Connected: true})

	if _, err := c.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := c.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !result.Paused {
		t.Fatal("drain should pause on unreachable endpoint")
	}

	// Then: the attempt is stamped but not the success
	if raw, _ := st.GetMeta(ctx, store.MetaLastSyncAt); raw == "" {
		t.Error("last sync attempt not stamped")
	}
	if raw, _ := st.GetMeta(ctx, store.MetaLastSuccessAt); raw != "" {
		t.Errorf("success stamped for paused drain: %q", raw)
	}
}

func TestStart_ReconnectEdgeTriggersSync(t *testing.T) {
	// Given: a started coordinator with one queued item, offline
	rm := &stubRemote{}
	c, _, mon := newTestCoordinator(t, rm)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	if _, err := c.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// When: connectivity is restored
	mon.Apply(netmon.Event{Connected: true, Type: "cellular"})

	// Then: the queue drains without an explicit trigger
	deadline := time.After(3 * time.Second)
	for {
		pending, _, err := c.queue.Counts(ctx)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if pending == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("queue not drained on reconnect: %d pending", pending)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUpdateLocal_SnapshotsPayloadPerEdit(t *testing.T) {
	c, st, _ := newTestCoordinator(t, &stubRemote{})
	ctx := context.Background()

	rec, err := c.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.UpdateLocal(ctx, rec.LocalID, json.RawMessage(`{"plate":"CD-2"}`)); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Then: both mutations are queued, each with its own snapshot
	items, err := st.ListQueueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected create+update queued, got %d", len(items))
	}
	var createPayload, updatePayload string
	for _, item := range items {
		switch item.Action {
		case types.ActionCreate:
			createPayload = string(item.Payload)
		case types.ActionUpdate:
			updatePayload = string(item.Payload)
		}
	}
	if createPayload == updatePayload {
		t.Error("update mutated the in-flight create snapshot")
	}
}

func TestDeleteLocal_QueuesRemoteDelete(t *testing.T) {
	// Given: a synced record
	rm := &stubRemote{}
	c, st, mon := newTestCoordinator(t, rm)
	ctx := context.Background()
	mon.Apply(netmon.Event{Connected: true})

	rec, err := c.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.TriggerSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// When: the record is deleted
	if err := c.DeleteLocal(ctx, rec.LocalID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Then: it is gone locally and the delete carries the server id
	if _, err := c.Get(ctx, rec.LocalID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	items, err := st.ListQueueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(items) != 1 || items[0].Action != types.ActionDelete || items[0].ServerID == "" {
		t.Fatalf("queued delete: %+v", items)
	}
}

func TestStatus_AggregatesSources(t *testing.T) {
	rm := &stubRemote{}
	c, _, mon := newTestCoordinator(t, rm)
	ctx := context.Background()
	mon.Apply(netmon.Event{Connected: true})

	if _, err := c.CreateLocal(ctx, types.KindDutyCall, json.RawMessage(`{"shift_type":"pre"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Then: before any sync, both items are pending and no stamps exist
	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.PendingItems != 2 || status.FailedItems != 0 || status.IsSyncing {
		t.Fatalf("status before sync: %+v", status)
	}
	if !status.LastSuccessfulSync.IsZero() {
		t.Error("success stamp before any sync")
	}

	// When: a drain succeeds
	if _, err := c.TriggerSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	status, err = c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.PendingItems != 0 {
		t.Errorf("pending after drain: %d", status.PendingItems)
	}
	if status.LastSuccessfulSync.IsZero() || status.LastSyncAttempt.IsZero() {
		t.Error("meta stamps missing after successful drain")
	}
}

func TestRetryFailed_ReArmsExhaustedItems(t *testing.T) {
	// Given: an item retired by an auth failure
	rm := &stubRemote{fail: remote.ErrUnauthorized}
	c, _, mon := newTestCoordinator(t, rm)
	ctx := context.Background()
	mon.Apply(netmon.Event{Connected: true})

	if _, err := c.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	result, err := c.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("result: %+v", result)
	}

	status, _ := c.Status(ctx)
	if status.FailedItems != 1 || status.PendingItems != 0 {
		t.Fatalf("status: %+v", status)
	}

	// When: the credential is fixed and the user retries
	rm.mu.Lock()
	rm.fail = nil
	rm.mu.Unlock()
	n, err := c.RetryFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry failed: %v (%d)", err, n)
	}

	result, err = c.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if result.Completed != 1 {
		t.Fatalf("second result: %+v", result)
	}
}

func TestStats_CountsRecords(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &stubRemote{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[types.KindVehicle].Total != 3 || stats[types.KindVehicle].Unsynced != 3 {
		t.Fatalf("vehicle stats: %+v", stats[types.KindVehicle])
	}
}
