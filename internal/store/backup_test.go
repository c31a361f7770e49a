package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetcomply/dutysync/internal/types"
)

func TestBackupRestore_Roundtrip(t *testing.T) {
	// Given: a store with records, queue items, errors, and meta
	src := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(types.KindDutyCall, `{"shift_type":"pre","passed":true}`)
	item := testQueueItem(rec, types.ActionCreate, types.PriorityHigh)
	if err := src.ApplyLocalMutation(ctx, rec, item); err != nil {
		t.Fatalf("seed mutation: %v", err)
	}
	if err := src.AppendSyncError(ctx, &types.SyncError{
		ID:        nextTestID(),
		Timestamp: time.Now().UTC(),
		Type:      types.ErrorTypeNetwork,
		Message:   "flaky link",
		EntityID:  rec.LocalID,
	}, 50); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	if err := src.SetMeta(ctx, MetaLastSyncAt, "2026-08-30T12:00:00Z"); err != nil {
		t.Fatalf("seed meta: %v", err)
	}

	// When: the snapshot is restored into a fresh store
	doc, err := src.CreateBackup(ctx, "dutysync", "test")
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}
	dst := newTestStore(t)
	if err := dst.RestoreBackup(ctx, doc); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// Then: all collections round-trip
	gotRec, err := dst.GetRecord(ctx, rec.LocalID)
	if err != nil {
		t.Fatalf("restored record missing: %v", err)
	}
	if string(gotRec.Payload) != string(rec.Payload) {
		t.Errorf("payload mismatch: %s", gotRec.Payload)
	}

	gotItem, err := dst.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("restored queue item missing: %v", err)
	}
	if gotItem.Priority != types.PriorityHigh {
		t.Errorf("priority mismatch: %q", gotItem.Priority)
	}

	errs, err := dst.ListSyncErrors(ctx, 10)
	if err != nil || len(errs) != 1 {
		t.Fatalf("restored errors: %v (%d)", err, len(errs))
	}

	if v, err := dst.GetMeta(ctx, MetaLastSyncAt); err != nil || v != "2026-08-30T12:00:00Z" {
		t.Errorf("restored meta: %q %v", v, err)
	}
}

func TestRestoreBackup_InvalidDocumentLeavesDataIntact(t *testing.T) {
	// Given: a store with existing data
	s := newTestStore(t)
	ctx := context.Background()
	rec := testRecord(types.KindVehicle, `{"plate":"KEEP"}`)
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// When: restores with missing data and an unsupported version are attempted
	for _, doc := range []*Backup{
		nil,
		{Version: BackupVersion},
		{Version: "99", Data: &BackupData{}},
	} {
		if err := s.RestoreBackup(ctx, doc); !errors.Is(err, ErrInvalidBackup) {
			t.Fatalf("expected ErrInvalidBackup, got %v", err)
		}
	}

	// Then: the existing record survives untouched
	got, err := s.GetRecord(ctx, rec.LocalID)
	if err != nil {
		t.Fatalf("existing data lost: %v", err)
	}
	if string(got.Payload) != `{"plate":"KEEP"}` {
		t.Errorf("payload changed: %s", got.Payload)
	}
}

func TestCreateBackup_IncludesExhaustedQueueItems(t *testing.T) {
	// Given: an exhausted queue item
	s := newTestStore(t)
	ctx := context.Background()
	rec := testRecord(types.KindProfile, `{"display_name":"X"}`)
	item := testQueueItem(rec, types.ActionCreate, types.PriorityLow)
	if err := s.ApplyLocalMutation(ctx, rec, item); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.ExhaustQueueItem(ctx, item.ID, "dead", time.Now()); err != nil {
		t.Fatalf("exhaust: %v", err)
	}

	// Then: the snapshot carries it anyway
	doc, err := s.CreateBackup(ctx, "dutysync", "test")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if len(doc.Data.Queue) != 1 {
		t.Fatalf("expected 1 queue item in backup, got %d", len(doc.Data.Queue))
	}
	if doc.Data.Queue[0].RetryCount != doc.Data.Queue[0].MaxRetries {
		t.Error("exhausted state not preserved")
	}
}
