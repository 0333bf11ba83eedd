// Package storage is the durable local store shared by the capture
// agent and the background sync path. It has two interchangeable
// backends: an indexed SQLite store and a degraded flat-file fallback.
// Callers pick a backend once through Open and never branch on backend
// identity afterwards.
package storage

import (
	"errors"
	"log"
	"path/filepath"

	"github.com/vincentbai/pagepulse/internal/models"
)

// ErrUnavailable is returned when no storage backend at all is
// reachable.
var ErrUnavailable = errors.New("storage unavailable")

// ErrNotFound is returned by single-record getters when the record
// does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the durable local store contract. Each operation is atomic
// on its own; no atomicity is guaranteed across a read-then-write
// sequence spanning two processes.
type Store interface {
	// Append inserts a new event.
	Append(event models.Event) error

	// ListEvents returns events ordered by timestamp strictly
	// descending. limit and offset window the result; zero limit
	// means no limit.
	ListEvents(limit, offset int) ([]models.Event, error)

	// ListUnsynced returns all events with synced=false.
	ListUnsynced() ([]models.Event, error)

	// MarkSynced flips synced=true for the given event ids. Missing
	// ids are silently ignored.
	MarkSynced(ids []string) error

	// IncrementRetry bumps retryCount for the given event ids after a
	// failed sync attempt. Missing ids are silently ignored.
	IncrementRetry(ids []string) error

	// ActiveSession returns the session with isActive=true, or
	// ErrNotFound.
	ActiveSession() (models.Session, error)
	PutSession(session models.Session) error

	// User returns the user record for id, or ErrNotFound.
	User(id string) (models.User, error)
	PutUser(user models.User) error

	// SyncStatus returns the single sync-status record, or
	// ErrNotFound if none was ever written.
	SyncStatus() (models.SyncStatus, error)
	PutSyncStatus(status models.SyncStatus) error

	// PruneOlderThan deletes synced events with timestamp below the
	// threshold. Unsynced events are never pruned regardless of age.
	PruneOlderThan(timestamp int64) error

	Close() error
}

// Open selects a backend for the given data directory: the SQLite
// store when it can be opened, otherwise the flat-file fallback. The
// degradation is logged, not surfaced. ErrUnavailable is returned only
// when neither backend can be opened.
func Open(dataDir string) (Store, error) {
	store, err := OpenSQLite(filepath.Join(dataDir, "events.db"))
	if err == nil {
		return store, nil
	}
	log.Printf("primary store unavailable, falling back to flat file: %v", err)

	fallback, err := OpenJSONFile(filepath.Join(dataDir, "events.json"))
	if err == nil {
		return fallback, nil
	}
	log.Printf("fallback store unavailable: %v", err)
	return nil, ErrUnavailable
}
