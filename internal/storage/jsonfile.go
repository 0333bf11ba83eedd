package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/vincentbai/pagepulse/internal/models"
)

// JSONFileStore is the fallback backend: the whole store is one flat
// JSON document rewritten on every mutation. ListUnsynced, MarkSynced
// and PruneOlderThan degrade to full linear scans, and concurrent
// callers from separate processes race on read-modify-write. That
// degradation is accepted; the backend exists only for when SQLite
// cannot be opened at all.
type JSONFileStore struct {
	mu   sync.Mutex
	path string
}

type jsonFileDocument struct {
	Events     []models.Event     `json:"events"`
	Session    *models.Session    `json:"session,omitempty"`
	Users      map[string]models.User `json:"users,omitempty"`
	SyncStatus *models.SyncStatus `json:"syncStatus,omitempty"`
}

// OpenJSONFile opens (or creates) the flat-file store at path.
func OpenJSONFile(path string) (*JSONFileStore, error) {
	store := &JSONFileStore{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := store.write(jsonFileDocument{}); err != nil {
			return nil, err
		}
	} else if _, err := store.read(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONFileStore) Close() error { return nil }

func (s *JSONFileStore) read() (jsonFileDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return jsonFileDocument{}, fmt.Errorf("failed to read store file: %w", err)
	}
	var doc jsonFileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return jsonFileDocument{}, fmt.Errorf("failed to parse store file: %w", err)
	}
	return doc, nil
}

func (s *JSONFileStore) write(doc jsonFileDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal store file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	return nil
}

func (s *JSONFileStore) Append(event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Events = append(doc.Events, event)
	return s.write(doc)
}

func (s *JSONFileStore) ListEvents(limit, offset int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	events := append([]models.Event(nil), doc.Events...)
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp > events[j].Timestamp })
	if offset > 0 {
		if offset >= len(events) {
			return nil, nil
		}
		events = events[offset:]
	}
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events, nil
}

func (s *JSONFileStore) ListUnsynced() ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	var unsynced []models.Event
	for _, event := range doc.Events {
		if !event.Synced {
			unsynced = append(unsynced, event)
		}
	}
	return unsynced, nil
}

func (s *JSONFileStore) MarkSynced(ids []string) error {
	return s.updateEvents(ids, func(event *models.Event) { event.Synced = true })
}

func (s *JSONFileStore) IncrementRetry(ids []string) error {
	return s.updateEvents(ids, func(event *models.Event) { event.RetryCount++ })
}

func (s *JSONFileStore) updateEvents(ids []string, update func(*models.Event)) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for i := range doc.Events {
		if wanted[doc.Events[i].ID] {
			update(&doc.Events[i])
		}
	}
	return s.write(doc)
}

func (s *JSONFileStore) ActiveSession() (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return models.Session{}, err
	}
	if doc.Session == nil || !doc.Session.IsActive {
		return models.Session{}, ErrNotFound
	}
	return *doc.Session, nil
}

func (s *JSONFileStore) PutSession(session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Session = &session
	return s.write(doc)
}

func (s *JSONFileStore) User(id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return models.User{}, err
	}
	user, ok := doc.Users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

func (s *JSONFileStore) PutUser(user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	if doc.Users == nil {
		doc.Users = make(map[string]models.User)
	}
	doc.Users[user.ID] = user
	return s.write(doc)
}

func (s *JSONFileStore) SyncStatus() (models.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return models.SyncStatus{}, err
	}
	if doc.SyncStatus == nil {
		return models.SyncStatus{}, ErrNotFound
	}
	return *doc.SyncStatus, nil
}

func (s *JSONFileStore) PutSyncStatus(status models.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.SyncStatus = &status
	return s.write(doc)
}

func (s *JSONFileStore) PruneOlderThan(timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	kept := doc.Events[:0]
	for _, event := range doc.Events {
		if !event.Synced || event.Timestamp >= timestamp {
			kept = append(kept, event)
		}
	}
	doc.Events = kept
	return s.write(doc)
}
