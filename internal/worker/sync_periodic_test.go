package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetcomply/dutysync/internal/coordinator"
	"github.com/fleetcomply/dutysync/internal/netmon"
	"github.com/fleetcomply/dutysync/internal/queue"
	"github.com/fleetcomply/dutysync/internal/remote"
	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/types"
)

type acceptAllRemote struct{}

func (acceptAllRemote) Create(ctx context.Context, kind types.EntityKind, payload json.RawMessage, idempotencyKey string) (*remote.Record, error) {
	return &remote.Record{ServerID: "srv-" + idempotencyKey, Version: 1, UpdatedAt: time.Now().UTC(), Payload: payload}, nil
}

func (acceptAllRemote) Update(ctx context.Context, kind types.EntityKind, serverID string, payload json.RawMessage, expectedVersion int64) (*remote.Record, error) {
	return &remote.Record{ServerID: serverID, Version: expectedVersion + 1, UpdatedAt: time.Now().UTC(), Payload: payload}, nil
}

func (acceptAllRemote) Delete(ctx context.Context, kind types.EntityKind, serverID string) error {
	return nil
}

func TestSyncWorker_DrainsQueuedWork(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, 10, 0)
	mon := netmon.New(nil)
	mon.Apply(netmon.Event{Connected: true})
	coord := coordinator.New(st, q, mon, acceptAllRemote{}, 10)

	ctx := context.Background()
	if _, err := coord.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Given: a worker with a short interval
	w := NewSyncWorker(coord, time.Hour)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	// Then: the startup drain clears the queue without waiting a tick
	deadline := time.After(3 * time.Second)
	for {
		pending, _, err := st.QueueCounts(ctx)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if pending == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("startup drain never ran: %d pending", pending)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestSyncWorker_OfflineIsQuiet(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, 10, 0)
	mon := netmon.New(nil)
	coord := coordinator.New(st, q, mon, acceptAllRemote{}, 10)

	ctx := context.Background()
	if _, err := coord.CreateLocal(ctx, types.KindVehicle, json.RawMessage(`{"plate":"AB-1"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A drain while offline must not touch the queue.
	w := NewSyncWorker(coord, time.Hour)
	w.drain(ctx)

	pending, _, err := st.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if pending != 1 {
		t.Fatalf("offline drain consumed the queue: %d pending", pending)
	}
}
