package store

import (
	"errors"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when no record exists for the given key.
	ErrNotFound = errors.New("record not found")

	// ErrQuotaExceeded is returned when the device has no storage left.
	// Not retryable; the condition cannot self-heal.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrAccessDenied is returned when the database file is not writable.
	ErrAccessDenied = errors.New("storage access denied")

	// ErrCorrupt is returned when the database fails integrity checks.
	ErrCorrupt = errors.New("storage corrupt")

	// ErrServerIDImmutable is returned on an attempt to re-assign a record
	// to a different server identity.
	ErrServerIDImmutable = errors.New("server_id is immutable once set")

	// ErrInvalidBackup is returned when a backup snapshot is missing its
	// version or data sections.
	ErrInvalidBackup = errors.New("invalid backup snapshot")
)

// mapStorageError tags driver-level failures with the storage taxonomy at
// their origin, so callers never have to pattern-match message text.
func mapStorageError(err error) error {
	if err == nil {
		return nil
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_FULL:
			return errors.Join(ErrQuotaExceeded, err)
		case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_AUTH, sqlite3.SQLITE_PERM:
			return errors.Join(ErrAccessDenied, err)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return errors.Join(ErrCorrupt, err)
		}
	}
	return err
}
