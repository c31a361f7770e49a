package types

import (
	"encoding/json"
	"time"
)

// ConnectionQuality is the coarse connectivity grade derived from the
// platform signal.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
	QualityUnknown   ConnectionQuality = "unknown"
)

// NetworkStatus is the last-known connectivity state. It is transient and
// recomputed on every platform event; only the two transition timestamps
// survive for uptime/downtime diagnostics.
type NetworkStatus struct {
	Connected          bool              `json:"is_connected"`
	ConnectionType     string            `json:"connection_type,omitempty"`
	InternetReachable  *bool             `json:"is_internet_reachable,omitempty"`
	Quality            ConnectionQuality `json:"connection_quality"`
	LastConnectedAt    time.Time         `json:"last_connected_at"`
	LastDisconnectedAt time.Time         `json:"last_disconnected_at"`
}

// ErrorType is the failure taxonomy used for classification and diagnostics.
type ErrorType string

const (
	ErrorTypeNetwork ErrorType = "network"
	ErrorTypeServer  ErrorType = "server"
	ErrorTypeData    ErrorType = "data"
	ErrorTypeAuth    ErrorType = "auth"
	ErrorTypeStorage ErrorType = "storage"
	ErrorTypeSync    ErrorType = "sync"
	ErrorTypeUnknown ErrorType = "unknown"
)

// SyncError is one entry in the bounded failure history.
type SyncError struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Type       ErrorType  `json:"error_type"`
	Message    string     `json:"error_message"`
	EntityKind EntityKind `json:"entity_type,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`
	RetryCount int        `json:"retry_count"`
	Resolved   bool       `json:"is_resolved"`
}

// SyncProgress tracks one drain pass for the UI progress bar.
type SyncProgress struct {
	TotalItems       int    `json:"total_items"`
	CompletedItems   int    `json:"completed_items"`
	CurrentOperation string `json:"current_operation,omitempty"`
}

// SyncStatus is the aggregate state the UI reads. It is derived from the
// queue, the network monitor, and the orchestrator; it is never a source
// of truth.
type SyncStatus struct {
	IsSyncing          bool         `json:"is_syncing"`
	LastSyncAttempt    time.Time    `json:"last_sync_attempt"`
	LastSuccessfulSync time.Time    `json:"last_successful_sync"`
	PendingItems       int          `json:"pending_items_count"`
	FailedItems        int          `json:"failed_items_count"`
	Progress           SyncProgress `json:"sync_progress"`
	Errors             []SyncError  `json:"errors"`
}

// ResolutionStrategy names how a conflict was settled.
type ResolutionStrategy string

const (
	ResolutionUseLocal   ResolutionStrategy = "use_local"
	ResolutionUseServer  ResolutionStrategy = "use_server"
	ResolutionMerge      ResolutionStrategy = "merge"
	ResolutionUserChoice ResolutionStrategy = "user_choice"
)

// ConflictResolution is the transient audit record produced when a drained
// mutation collides with a concurrent server-side edit.
type ConflictResolution struct {
	Kind         EntityKind         `json:"entity_type"`
	LocalData    json.RawMessage    `json:"local_data,omitempty"`
	ServerData   json.RawMessage    `json:"server_data,omitempty"`
	Strategy     ResolutionStrategy `json:"resolution_strategy"`
	ResolvedData json.RawMessage    `json:"resolved_data,omitempty"`
	ResolvedBy   string             `json:"resolved_by"` // "auto" or "user"
}

// DataStats is the read-only per-kind breakdown surfaced to the UI.
type DataStats struct {
	Total    int `json:"total"`
	Synced   int `json:"synced"`
	Unsynced int `json:"unsynced"`
}
