// Package syncer drains unsynced events from the local store and
// submits them to the remote ingestion service as one batch.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vincentbai/pagepulse/internal/models"
	"github.com/vincentbai/pagepulse/internal/storage"
)

// Syncer runs the drain → POST → mark-synced cycle. A mutex
// serializes drains within one process; drains racing from another
// process are resolved by the ingestion service's idempotent upsert
// per event id.
type Syncer struct {
	store      storage.Store
	endpoint   string
	client     *http.Client
	maxRetries int

	mu sync.Mutex
}

// New creates a Syncer posting to endpoint ("{base}/events").
func New(store storage.Store, endpoint string, maxRetries int) *Syncer {
	return &Syncer{
		store:      store,
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: maxRetries,
	}
}

// Sync drains all currently-unsynced events and submits them as a
// single batch, with no chunking regardless of size. An empty drain
// returns with no side effects. The POST itself is retried with
// exponential backoff before the attempt counts as failed.
func (s *Syncer) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unsynced, err := s.store.ListUnsynced()
	if err != nil {
		return fmt.Errorf("failed to list unsynced events: %w", err)
	}
	if len(unsynced) == 0 {
		return nil
	}

	s.updateStatus(func(status *models.SyncStatus) {
		status.SyncInProgress = true
		status.PendingEvents = len(unsynced)
	})

	ids := make([]string, len(unsynced))
	for i, event := range unsynced {
		ids[i] = event.ID
	}

	response, err := s.post(unsynced)
	if err != nil {
		// No partial credit: every event stays unsynced.
		if retryErr := s.store.IncrementRetry(ids); retryErr != nil {
			log.Printf("failed to bump retry counts: %v", retryErr)
		}
		remaining, listErr := s.store.ListUnsynced()
		if listErr != nil {
			log.Printf("failed to recount unsynced events: %v", listErr)
		}
		s.updateStatus(func(status *models.SyncStatus) {
			status.SyncInProgress = false
			status.FailedEvents = len(remaining)
		})
		return fmt.Errorf("failed to sync events: %w", err)
	}

	acked := response.SyncedEvents
	if len(acked) == 0 {
		// No explicit ack list: treat the whole batch as accepted.
		acked = ids
	}
	if err := s.store.MarkSynced(acked); err != nil {
		return fmt.Errorf("failed to mark events synced: %w", err)
	}

	s.updateStatus(func(status *models.SyncStatus) {
		status.LastSyncTime = time.Now().UnixMilli()
		status.PendingEvents = 0
		status.SyncInProgress = false
	})
	return nil
}

// TrySync runs Sync in the background, logging failures. Capture
// callers never wait on synchronization.
func (s *Syncer) TrySync() {
	go func() {
		if err := s.Sync(); err != nil {
			log.Printf("sync failed: %v", err)
		}
	}()
}

func (s *Syncer) post(events []models.Event) (models.EventsResponse, error) {
	body, err := json.Marshal(models.EventBatch{Events: events})
	if err != nil {
		return models.EventsResponse{}, fmt.Errorf("failed to marshal batch: %w", err)
	}

	operation := func() (models.EventsResponse, error) {
		resp, err := s.client.Post(s.endpoint+"/events", "application/json", bytes.NewReader(body))
		if err != nil {
			return models.EventsResponse{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return models.EventsResponse{}, fmt.Errorf("server returned %s", resp.Status)
		}

		var result models.EventsResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return models.EventsResponse{}, err
		}
		return result, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	return backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.maxRetries)))
}

// updateStatus merges changes into the single sync-status record.
func (s *Syncer) updateStatus(apply func(*models.SyncStatus)) {
	status, err := s.store.SyncStatus()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("failed to load sync status: %v", err)
		return
	}
	apply(&status)
	if err := s.store.PutSyncStatus(status); err != nil {
		log.Printf("failed to save sync status: %v", err)
	}
}
