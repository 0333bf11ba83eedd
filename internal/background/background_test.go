package background

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/pagepulse/internal/models"
	"github.com/vincentbai/pagepulse/internal/storage"
)

func newTestOfflineStore(t *testing.T) *OfflineStore {
	t.Helper()
	store, err := OpenOffline(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// deadUpstream returns a base URL that refuses connections.
func deadUpstream(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	return url
}

func queuedEvent(id string) models.Event {
	return models.Event{
		ID:        id,
		SessionID: "sess-1",
		Type:      models.EventClick,
		Page:      "/journey/page1",
		Timestamp: 1700000000000,
	}
}

func TestOfflineStoreCache(t *testing.T) {
	store := newTestOfflineStore(t)

	_, err := store.CachedResponse("/api/analytics/events")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.CacheResponse("/api/analytics/events", []byte(`{"success":true}`)))
	body, err := store.CachedResponse("/api/analytics/events")
	require.NoError(t, err)
	assert.Equal(t, `{"success":true}`, string(body))

	// Newer responses replace older ones under the same key.
	require.NoError(t, store.CacheResponse("/api/analytics/events", []byte(`{"success":true,"totalCount":3}`)))
	body, err = store.CachedResponse("/api/analytics/events")
	require.NoError(t, err)
	assert.Contains(t, string(body), "totalCount")
}

func TestOfflineStoreQueue(t *testing.T) {
	store := newTestOfflineStore(t)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, store.Enqueue([]models.Event{queuedEvent("a"), queuedEvent("b"), {ID: ""}}))
	pending, err = store.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2, "events without an id are dropped")

	// Re-queueing an id overwrites instead of duplicating.
	require.NoError(t, store.Enqueue([]models.Event{queuedEvent("a")}))
	pending, err = store.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, store.Remove([]string{"a", "never-queued"}))
	pending, err = store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
}

func TestProxyGetCachesAndFallsBack(t *testing.T) {
	store := newTestOfflineStore(t)

	var online atomic.Bool
	online.Store(true)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !online.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(models.EventList{Success: true, TotalCount: 7})
	}))
	defer upstream.Close()

	proxy := NewProxy(upstream.URL, store)

	request := httptest.NewRequest(http.MethodGet, "/api/analytics/events?limit=10", nil)
	recorder := httptest.NewRecorder()
	proxy.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Empty(t, recorder.Header().Get("X-Served-From"))

	// Upstream failure serves the cached copy.
	online.Store(false)
	recorder = httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/analytics/events?limit=10", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "offline-cache", recorder.Header().Get("X-Served-From"))

	var list models.EventList
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &list))
	assert.Equal(t, 7, list.TotalCount)

	// A key never fetched while online has nothing to fall back to.
	recorder = httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/analytics/insights", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestProxyPostRelaysWhenOnline(t *testing.T) {
	store := newTestOfflineStore(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.EventsResponse{Success: true, SyncedEvents: []string{"a"}})
	}))
	defer upstream.Close()

	proxy := NewProxy(upstream.URL, store)
	body, _ := json.Marshal(models.EventBatch{Events: []models.Event{queuedEvent("a")}})
	recorder := httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/analytics/events", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, recorder.Code)

	var response models.EventsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.True(t, response.Success)
	assert.False(t, response.Offline)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending, "relayed events must not be queued")
}

func TestProxyPostQueuesOffline(t *testing.T) {
	store := newTestOfflineStore(t)
	proxy := NewProxy(deadUpstream(t), store)

	body, _ := json.Marshal(models.EventBatch{Events: []models.Event{queuedEvent("a"), queuedEvent("b")}})
	recorder := httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/analytics/events", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, recorder.Code)

	var response models.EventsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.True(t, response.Success)
	assert.True(t, response.Offline)
	assert.Equal(t, "Data stored offline, will sync when online", response.Message)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestProxyPostOfflineNonEventsPath(t *testing.T) {
	store := newTestOfflineStore(t)
	proxy := NewProxy(deadUpstream(t), store)

	body, _ := json.Marshal(models.SessionBatch{Sessions: []models.Session{}})
	recorder := httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/analytics/sessions", bytes.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProxyPostOfflineBadPayload(t *testing.T) {
	store := newTestOfflineStore(t)
	proxy := NewProxy(deadUpstream(t), store)

	recorder := httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/analytics/events", bytes.NewReader([]byte("not json"))))
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)

	var response models.EventsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "Failed to store offline data", response.Error)
}

func TestProxyIgnoresOtherPaths(t *testing.T) {
	store := newTestOfflineStore(t)
	proxy := NewProxy(deadUpstream(t), store)

	recorder := httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestReplayDrainsQueue(t *testing.T) {
	store := newTestOfflineStore(t)
	require.NoError(t, store.Enqueue([]models.Event{queuedEvent("a"), queuedEvent("b")}))

	var received atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch models.EventBatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		received.Store(int32(len(batch.Events)))
		ids := make([]string, len(batch.Events))
		for i, event := range batch.Events {
			ids[i] = event.ID
		}
		json.NewEncoder(w).Encode(models.EventsResponse{Success: true, SyncedEvents: ids})
	}))
	defer upstream.Close()

	proxy := NewProxy(upstream.URL, store)
	require.NoError(t, proxy.Replay())
	assert.Equal(t, int32(2), received.Load())

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Draining an empty queue makes no request.
	received.Store(0)
	require.NoError(t, proxy.Replay())
	assert.Equal(t, int32(0), received.Load())
}

func TestReplayKeepsQueueOnFailure(t *testing.T) {
	store := newTestOfflineStore(t)
	require.NoError(t, store.Enqueue([]models.Event{queuedEvent("a")}))

	proxy := NewProxy(deadUpstream(t), store)
	require.Error(t, proxy.Replay())

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
