package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fleetcomply/dutysync/internal/errclass"
	"github.com/fleetcomply/dutysync/internal/remote"
	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/types"
)

// resolveConflict applies last-writer-wins to a version conflict. The
// comparison is local modification time against the server record's
// update time; ties go to the server, which is authoritative. Resolution
// is deterministic: the same two timestamps always pick the same winner.
func (o *Orchestrator) resolveConflict(ctx context.Context, item *types.QueueItem, cause error) outcome {
	var conflict *remote.ConflictError
	if !errors.As(cause, &conflict) || conflict.Record == nil {
		// A 409 without the server's record cannot be resolved here.
		o.retire(ctx, item, errclass.Classify(cause), cause)
		return outcomeFailed
	}
	server := conflict.Record

	local, getErr := o.store.GetRecord(ctx, item.LocalID)
	if errors.Is(getErr, store.ErrNotFound) {
		// The record was deleted locally after this mutation was queued.
		// The pending delete behind us in the queue carries the intent;
		// drop this item rather than resurrect the record.
		if err := o.queue.MarkSucceeded(ctx, item.ID); err != nil {
			slog.Error("failed to drop superseded queue item", "item_id", item.ID, "error", err)
			return outcomeFailed
		}
		return outcomeOK
	}
	if getErr != nil {
		o.recordFailure(ctx, item, errclass.Classify(getErr), getErr, false)
		return outcomeFailed
	}

	serverWins := !local.UpdatedAtLocal.After(server.UpdatedAt)
	o.auditResolution(ctx, item, local.UpdatedAtLocal, server.UpdatedAt, serverWins)

	if serverWins {
		// Discard the local edit and take the server's state verbatim.
		if err := o.store.MergeAuthoritative(ctx, item.LocalID, server.ServerID, server.Payload, server.Version, server.UpdatedAt); err != nil {
			o.recordFailure(ctx, item, errclass.Classify(err), err, false)
			return outcomeFailed
		}
		if err := o.queue.MarkSucceeded(ctx, item.ID); err != nil {
			slog.Error("failed to remove resolved queue item", "item_id", item.ID, "error", err)
			return outcomeFailed
		}
		if err := o.store.MarkSyncErrorsResolved(ctx, item.LocalID); err != nil {
			slog.Warn("failed to resolve error history", "local_id", item.LocalID, "error", err)
		}
		return outcomeOK
	}

	// Local wins: resubmit the local payload against the server's current
	// version so the write lands cleanly.
	rec, sendErr := o.remote.Update(ctx, item.Kind, server.ServerID, item.Payload, server.Version)
	if sendErr != nil {
		// Another device may have written again between the 409 and this
		// resubmit. Leave the item queued; the next pass re-resolves
		// against the newer server state.
		cls := errclass.Classify(sendErr)
		if markErr := o.queue.MarkFailed(ctx, item.ID, sendErr); markErr != nil {
			slog.Error("failed to persist retry bookkeeping", "item_id", item.ID, "error", markErr)
		}
		item.RetryCount++
		if item.Exhausted() || cls.Strategy == errclass.StrategyUserAction {
			o.retire(ctx, item, cls, sendErr)
		}
		return outcomeFailed
	}
	return o.confirm(ctx, item, rec)
}

// auditResolution records the conflict and its outcome in the diagnostic
// history so a user or auditor can see which write survived.
func (o *Orchestrator) auditResolution(ctx context.Context, item *types.QueueItem, localAt, serverAt time.Time, serverWins bool) {
	winner := types.ResolutionUseLocal
	if serverWins {
		winner = types.ResolutionUseServer
	}
	slog.Info("conflict resolved",
		"local_id", item.LocalID,
		"kind", item.Kind,
		"local_updated_at", localAt,
		"server_updated_at", serverAt,
		"resolution", winner,
		"component", "orchestrator",
	)

	syncErr := &types.SyncError{
		ID:         ulid.Make().String(),
		Timestamp:  time.Now().UTC(),
		Type:       types.ErrorTypeSync,
		Message:    "version conflict resolved: " + string(winner),
		EntityKind: item.Kind,
		EntityID:   item.LocalID,
		RetryCount: item.RetryCount,
		Resolved:   true,
	}
	if appendErr := o.store.AppendSyncError(ctx, syncErr, o.errorHistory); appendErr != nil {
		slog.Warn("failed to append conflict audit entry", "error", appendErr)
	}
}
