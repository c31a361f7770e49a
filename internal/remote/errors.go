package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("remote request timed out")

	// ErrUnreachable is returned when the remote endpoint cannot be
	// reached at all (offline, DNS failure, connection refused).
	ErrUnreachable = errors.New("remote unreachable")

	// ErrUnauthorized is returned on 401/403. Re-authentication is owned
	// by the auth collaborator; the sync engine never retries these.
	ErrUnauthorized = errors.New("remote rejected credentials")

	// ErrNotFound is returned when the remote has no such entity.
	ErrNotFound = errors.New("remote entity not found")
)

// ServerError is a 5xx response: the remote is unhealthy but the request
// may succeed later.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status %d", e.Status)
}

// RequestError is a non-conflict 4xx response: the request itself is bad
// and retrying cannot help.
type RequestError struct {
	Status int
	Detail string
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("request rejected: status %d", e.Status)
	}
	return fmt.Sprintf("request rejected: status %d: %s", e.Status, e.Detail)
}

// ConflictError is a 409: the server's current version differs from what
// was last known locally (canonically a concurrent edit from another
// device). Carries the server's authoritative record so the caller can
// resolve without another round trip.
type ConflictError struct {
	Record *Record
}

func (e *ConflictError) Error() string {
	if e.Record == nil {
		return "version conflict"
	}
	return fmt.Sprintf("version conflict: server version %d", e.Record.Version)
}
