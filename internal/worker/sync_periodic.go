// Package worker holds the long-lived background loops: periodic sync
// drains and periodic backup snapshots. Workers block in Run until their
// context is cancelled; composition happens in cmd.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fleetcomply/dutysync/internal/coordinator"
	"github.com/fleetcomply/dutysync/internal/orchestrator"
)

// SyncWorker drains the queue on an interval while the device is online.
// Reconnect edges are handled separately by the coordinator's subscription;
// this loop covers the steady state where items accumulate while connected.
type SyncWorker struct {
	coord    *coordinator.Coordinator
	interval time.Duration
}

// NewSyncWorker creates a periodic sync worker.
func NewSyncWorker(coord *coordinator.Coordinator, interval time.Duration) *SyncWorker {
	return &SyncWorker{coord: coord, interval: interval}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Drain immediately on start, then on each tick
	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *SyncWorker) drain(ctx context.Context) {
	result, err := w.coord.TriggerSync(ctx)
	switch {
	case errors.Is(err, coordinator.ErrOffline),
		errors.Is(err, orchestrator.ErrDrainInProgress),
		errors.Is(err, context.Canceled):
		return
	case err != nil:
		slog.Error("periodic sync failed",
			"error", err,
			"component", "worker",
		)
		return
	}

	if result != nil && result.Total > 0 {
		slog.Info("periodic sync completed",
			"action", "sync_drain",
			"total", result.Total,
			"completed", result.Completed,
			"failed", result.Failed,
			"component", "worker",
		)
	}
}
