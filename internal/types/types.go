// Package types defines the domain types shared across the sync engine:
// the three entity kinds, the local record envelope, queue items, and the
// derived status structures consumed by the UI layer.
package types

import (
	"encoding/json"
	"time"
)

// EntityKind identifies one of the three synchronized collections.
type EntityKind string

const (
	KindDutyCall EntityKind = "duty_call"
	KindVehicle  EntityKind = "vehicle"
	KindProfile  EntityKind = "profile"
)

// Kinds lists every entity kind in a stable order.
var Kinds = []EntityKind{KindDutyCall, KindVehicle, KindProfile}

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindDutyCall, KindVehicle, KindProfile:
		return true
	}
	return false
}

// Action is the mutation carried by a queue item.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Priority determines drain order: high before medium before low,
// FIFO within a tier.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric sort key persisted in the queue table.
// Lower ranks drain first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 0:
		return PriorityHigh
	case 2:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// DutyCall is a pre/post-shift compliance check.
type DutyCall struct {
	ShiftType string    `json:"shift_type"` // "pre" or "post"
	VehicleID string    `json:"vehicle_id,omitempty"`
	Odometer  int64     `json:"odometer"`
	Passed    bool      `json:"passed"`
	Defects   string    `json:"defects,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Vehicle is a registered vehicle record.
type Vehicle struct {
	Plate string `json:"plate"`
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Year  int    `json:"year,omitempty"`
}

// Profile is the operator profile. A device normally holds exactly one,
// but the store does not enforce that.
type Profile struct {
	DisplayName   string `json:"display_name"`
	LicenseNumber string `json:"license_number,omitempty"`
	Organization  string `json:"organization,omitempty"`
	Email         string `json:"email,omitempty"`
}

// LocalRecord is the envelope stored for every entity regardless of kind.
// Payload is the JSON snapshot of the concrete entity struct; Kind tags
// which struct it decodes into.
//
// Invariants: exactly one LocalRecord per LocalID; ServerID is immutable
// once set. The orchestrator is the only writer of ServerID and IsSynced.
type LocalRecord struct {
	LocalID         string          `json:"local_id"`
	Kind            EntityKind      `json:"entity_type"`
	ServerID        string          `json:"server_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	IsSynced        bool            `json:"is_synced"`
	SyncError       string          `json:"sync_error,omitempty"`
	ServerVersion   int64           `json:"server_version,omitempty"`
	ServerUpdatedAt *time.Time      `json:"server_updated_at,omitempty"`
	CreatedAtLocal  time.Time       `json:"created_at_local"`
	UpdatedAtLocal  time.Time       `json:"updated_at_local"`
}

// QueueItem is one durable unit of pending work: a single create, update,
// or delete awaiting acknowledgement by the remote system-of-record.
// Payload is an immutable snapshot taken at enqueue time; later local
// edits never mutate an in-flight operation.
type QueueItem struct {
	ID         string          `json:"id"`
	Kind       EntityKind      `json:"entity_type"`
	Action     Action          `json:"action"`
	LocalID    string          `json:"local_id"`
	ServerID   string          `json:"server_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   Priority        `json:"priority"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	FailedAt   *time.Time      `json:"failed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Exhausted reports whether the item has burned its retry budget and is
// excluded from automatic drain passes until explicitly reset.
func (q *QueueItem) Exhausted() bool {
	return q.RetryCount >= q.MaxRetries
}
