package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetcomply/dutysync/internal/coordinator"
	"github.com/fleetcomply/dutysync/internal/orchestrator"
)

// connectionTestTimeout bounds the active probe behind POST /network/test.
const connectionTestTimeout = 10 * time.Second

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": h.version,
	})
}

// SyncStatus handles GET /api/v1/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.coord.Status(r.Context())
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SyncStats handles GET /api/v1/sync/stats
func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coord.Stats(r.Context())
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// TriggerSync handles POST /api/v1/sync/trigger. The drain runs in the
// background; clients follow it via GET /sync/status. Returns 503 when
// the device is offline.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.coord.Network().Connected {
		MapDomainError(w, r, coordinator.ErrOffline)
		return
	}

	go func() {
		// Detached from the request: the drain outlives the response.
		if _, err := h.coord.TriggerSync(context.Background()); err != nil &&
			!errors.Is(err, orchestrator.ErrDrainInProgress) &&
			!errors.Is(err, coordinator.ErrOffline) {
			slog.Error("triggered sync failed", "error", err, "component", "api")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
}

// RetryFailed handles POST /api/v1/sync/retry. Re-arms permanently-failed
// queue items; the next drain picks them up.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	reset, err := h.coord.RetryFailed(r.Context())
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset_items": reset})
}

// NetworkStatus handles GET /api/v1/network
func (h *Handler) NetworkStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Network())
}

// TestConnection handles POST /api/v1/network/test. Actively probes the
// remote endpoint rather than trusting the passive signal.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	err := h.coord.TestConnection(r.Context(), connectionTestTimeout)
	writeJSON(w, http.StatusOK, map[string]any{
		"reachable": err == nil,
	})
}
