// Package api exposes the sync engine over HTTP for the device UI layer.
// Entity writes land in the local store and queue atomically; nothing in
// this package talks to the remote system-of-record directly.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetcomply/dutysync/internal/coordinator"
	"github.com/fleetcomply/dutysync/internal/snapshot"
	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/types"
	"github.com/fleetcomply/dutysync/internal/validation"
)

// Body size caps. Entity payloads are small documents; backup documents
// can carry the whole dataset.
const (
	maxBodySize       = 1 << 20  // 1 MiB
	maxBackupBodySize = 64 << 20 // 64 MiB
)

// Handler implements the API handlers.
type Handler struct {
	coord    *coordinator.Coordinator
	store    *store.SQLiteStore
	uploader snapshot.Uploader
	deviceID string
	apiKey   string
	version  string
}

// NewHandler creates a new Handler.
func NewHandler(coord *coordinator.Coordinator, st *store.SQLiteStore, uploader snapshot.Uploader, deviceID, apiKey, version string) *Handler {
	return &Handler{
		coord:    coord,
		store:    st,
		uploader: uploader,
		deviceID: deviceID,
		apiKey:   apiKey,
		version:  version,
	}
}

// collectionKinds maps URL collection segments to entity kinds.
var collectionKinds = map[string]types.EntityKind{
	"duty-calls": types.KindDutyCall,
	"vehicles":   types.KindVehicle,
	"profiles":   types.KindProfile,
}

// kindFromRequest resolves the {collection} URL parameter. Writes a 404
// problem and returns false for unknown collections.
func kindFromRequest(w http.ResponseWriter, r *http.Request) (types.EntityKind, bool) {
	kind, ok := collectionKinds[chi.URLParam(r, "collection")]
	if !ok {
		WriteProblem(w, r, http.StatusNotFound, "Unknown collection")
		return "", false
	}
	return kind, true
}

// ListRecords handles GET /api/v1/{collection}
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFromRequest(w, r)
	if !ok {
		return
	}

	records, err := h.coord.List(r.Context(), kind)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// GetRecord handles GET /api/v1/{collection}/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	if _, ok := kindFromRequest(w, r); !ok {
		return
	}

	rec, err := h.coord.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreateRecord handles POST /api/v1/{collection}. The record is written
// locally and queued; the response carries the local record immediately,
// server identity arrives after the next drain.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFromRequest(w, r)
	if !ok {
		return
	}

	payload, ok := h.readPayload(w, r, kind)
	if !ok {
		return
	}

	rec, err := h.coord.CreateLocal(r.Context(), kind, payload)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// UpdateRecord handles PUT /api/v1/{collection}/{id}
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFromRequest(w, r)
	if !ok {
		return
	}

	payload, ok := h.readPayload(w, r, kind)
	if !ok {
		return
	}

	rec, err := h.coord.UpdateLocal(r.Context(), chi.URLParam(r, "id"), payload)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/v1/{collection}/{id}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if _, ok := kindFromRequest(w, r); !ok {
		return
	}

	if err := h.coord.DeleteLocal(r.Context(), chi.URLParam(r, "id")); err != nil {
		MapDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportBackup handles GET /api/v1/backup
func (h *Handler) ExportBackup(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.CreateBackup(r.Context(), "dutysync", h.version)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// RestoreBackup handles POST /api/v1/restore. The restore is
// all-or-nothing: an invalid document leaves existing data untouched.
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBackupBodySize))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var doc store.Backup
	if err := json.Unmarshal(body, &doc); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Backup document is not valid JSON")
		return
	}

	if err := h.store.RestoreBackup(r.Context(), &doc); err != nil {
		MapDomainError(w, r, err)
		return
	}

	slog.Info("backup restored",
		"records", len(doc.Data.Records),
		"queue_items", len(doc.Data.Queue),
		"component", "api",
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"restored_records": len(doc.Data.Records),
		"restored_queue":   len(doc.Data.Queue),
	})
}

// BackupURL handles GET /api/v1/backup/url. Returns a pre-signed download
// URL for the device's uploaded backup.
func (h *Handler) BackupURL(w http.ResponseWriter, r *http.Request) {
	url, expiry, err := h.uploader.PresignedURL(r.Context(), h.deviceID)
	if err == snapshot.ErrNotConfigured {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Backup storage not configured")
		return
	}
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": expiry,
	})
}

// readPayload reads and validates an entity payload body.
func (h *Handler) readPayload(w http.ResponseWriter, r *http.Request, kind types.EntityKind) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Failed to read request body")
		return nil, false
	}
	if len(body) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "Request body is required")
		return nil, false
	}

	if errs := validation.ValidateEntity(kind, body); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Entity payload failed validation", errs)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
