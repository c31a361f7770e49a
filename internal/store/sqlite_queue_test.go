package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetcomply/dutysync/internal/types"
)

func TestListQueueBatch_PriorityThenFIFO(t *testing.T) {
	// Given: items enqueued low, high, medium, high (in that wall order)
	s := newTestStore(t)
	ctx := context.Background()

	low := testQueueItem(testRecord(types.KindProfile, `{}`), types.ActionCreate, types.PriorityLow)
	high1 := testQueueItem(testRecord(types.KindDutyCall, `{}`), types.ActionCreate, types.PriorityHigh)
	med := testQueueItem(testRecord(types.KindVehicle, `{}`), types.ActionCreate, types.PriorityMedium)
	high2 := testQueueItem(testRecord(types.KindDutyCall, `{}`), types.ActionCreate, types.PriorityHigh)

	for _, item := range []*types.QueueItem{low, high1, med, high2} {
		if err := s.AppendQueueItem(ctx, item); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// When: a batch is dequeued
	batch, err := s.ListQueueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("list batch: %v", err)
	}

	// Then: high tier first in enqueue order, then medium, then low
	want := []string{high1.ID, high2.ID, med.ID, low.ID}
	if len(batch) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(batch))
	}
	for i, id := range want {
		if batch[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, batch[i].ID)
		}
	}
}

func TestMarkQueueItemFailed_DurableIncrement(t *testing.T) {
	// Given: a queued item
	s := newTestStore(t)
	ctx := context.Background()
	item := testQueueItem(testRecord(types.KindVehicle, `{}`), types.ActionCreate, types.PriorityMedium)
	if err := s.AppendQueueItem(ctx, item); err != nil {
		t.Fatalf("append: %v", err)
	}

	// When: a failure is recorded
	failedAt := time.Now().UTC()
	if err := s.MarkQueueItemFailed(ctx, item.ID, "connection reset", failedAt); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// Then: retry bookkeeping is persisted
	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", got.RetryCount)
	}
	if got.LastError != "connection reset" {
		t.Errorf("last_error not recorded: %q", got.LastError)
	}
	if got.FailedAt == nil {
		t.Error("failed_at not recorded")
	}
}

func TestListQueueBatch_ExcludesExhausted(t *testing.T) {
	// Given: one healthy item and one with a burned retry budget
	s := newTestStore(t)
	ctx := context.Background()

	healthy := testQueueItem(testRecord(types.KindVehicle, `{}`), types.ActionCreate, types.PriorityMedium)
	burned := testQueueItem(testRecord(types.KindVehicle, `{}`), types.ActionCreate, types.PriorityHigh)
	for _, item := range []*types.QueueItem{healthy, burned} {
		if err := s.AppendQueueItem(ctx, item); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.ExhaustQueueItem(ctx, burned.ID, "unrecoverable", time.Now()); err != nil {
		t.Fatalf("exhaust: %v", err)
	}

	// Then: only the healthy item is drainable
	batch, err := s.ListQueueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != healthy.ID {
		t.Fatalf("expected only healthy item, got %d items", len(batch))
	}

	// And: counts reflect the split
	pending, failed, err := s.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if pending != 1 || failed != 1 {
		t.Errorf("expected (1 pending, 1 failed), got (%d, %d)", pending, failed)
	}
}

func TestResetFailedQueueItems_RearmsExhausted(t *testing.T) {
	// Given: an exhausted item
	s := newTestStore(t)
	ctx := context.Background()
	item := testQueueItem(testRecord(types.KindDutyCall, `{}`), types.ActionCreate, types.PriorityHigh)
	if err := s.AppendQueueItem(ctx, item); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.ExhaustQueueItem(ctx, item.ID, "gone bad", time.Now()); err != nil {
		t.Fatalf("exhaust: %v", err)
	}

	// When: failed items are reset
	n, err := s.ResetFailedQueueItems(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}

	// Then: the item is drainable again with a clean slate
	got, _ := s.GetQueueItem(ctx, item.ID)
	if got.RetryCount != 0 || got.LastError != "" || got.FailedAt != nil {
		t.Errorf("retry state not cleared: %+v", got)
	}
}

func TestQueueCounts_EmptyQueue(t *testing.T) {
	s := newTestStore(t)

	pending, failed, err := s.QueueCounts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if pending != 0 || failed != 0 {
		t.Errorf("expected zeros, got (%d, %d)", pending, failed)
	}
}

func TestDeleteQueueItem_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.DeleteQueueItem(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
