// Package background is the sync path that runs without a page: a
// deferred drain worker and an intercepting proxy that serves cached
// reads and queues writes while the ingestion service is unreachable.
package background

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vincentbai/pagepulse/internal/models"
	"github.com/vincentbai/pagepulse/internal/storage"
)

const (
	cacheBucket = "cache"
	queueBucket = "queue"
)

// OfflineStore holds the proxy's response cache and its queue of
// intercepted event submissions. It is deliberately separate from the
// tracker's event store; the ingestion service's idempotent upsert by
// event id reconciles the two paths.
type OfflineStore struct {
	db *bbolt.DB
}

// OpenOffline opens the BoltDB-backed offline store at path.
func OpenOffline(path string) (*OfflineStore, error) {
	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}

	store := &OfflineStore{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *OfflineStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{cacheBucket, queueBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying BoltDB database.
func (s *OfflineStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CacheResponse stores a successful GET response body under its
// request key, replacing any older copy.
func (s *OfflineStore) CacheResponse(key string, body []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		return bucket.Put([]byte(key), body)
	})
}

// CachedResponse returns the last cached body for the request key, or
// storage.ErrNotFound.
func (s *OfflineStore) CachedResponse(key string) ([]byte, error) {
	var body []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		payload := bucket.Get([]byte(key))
		if payload == nil {
			return storage.ErrNotFound
		}
		body = append([]byte(nil), payload...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Enqueue persists intercepted events keyed by event id for later
// replay. Re-queueing an id overwrites in place.
func (s *OfflineStore) Enqueue(events []models.Event) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(queueBucket))
		if bucket == nil {
			return fmt.Errorf("queue bucket is missing")
		}
		for _, event := range events {
			if event.ID == "" {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("failed to marshal event: %w", err)
			}
			if err := bucket.Put([]byte(event.ID), payload); err != nil {
				return fmt.Errorf("failed to queue event: %w", err)
			}
		}
		return nil
	})
}

// Pending returns all queued events.
func (s *OfflineStore) Pending() ([]models.Event, error) {
	var events []models.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(queueBucket))
		if bucket == nil {
			return fmt.Errorf("queue bucket is missing")
		}
		return bucket.ForEach(func(_, payload []byte) error {
			var event models.Event
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("failed to unmarshal queued event: %w", err)
			}
			events = append(events, event)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Remove deletes acknowledged events from the queue.
func (s *OfflineStore) Remove(ids []string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(queueBucket))
		if bucket == nil {
			return fmt.Errorf("queue bucket is missing")
		}
		for _, id := range ids {
			if err := bucket.Delete([]byte(id)); err != nil {
				return fmt.Errorf("failed to dequeue event: %w", err)
			}
		}
		return nil
	})
}
