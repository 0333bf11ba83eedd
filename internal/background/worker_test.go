package background

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/pagepulse/internal/models"
	"github.com/vincentbai/pagepulse/internal/storage"
	"github.com/vincentbai/pagepulse/internal/syncer"
)

// SyncNow drains both queues against the same upstream: the shared
// event store's unsynced set and the proxy's intercepted submissions.
func TestWorkerSyncNowDrainsBothQueues(t *testing.T) {
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Append(models.Event{
		ID:        "local",
		SessionID: "sess-1",
		Type:      models.EventPageView,
		Page:      "/journey/page1",
		Timestamp: 1700000000000,
		Data:      map[string]any{},
	}))

	offline := newTestOfflineStore(t)
	require.NoError(t, offline.Enqueue([]models.Event{queuedEvent("intercepted")}))

	var batches [][]string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch models.EventBatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		ids := make([]string, len(batch.Events))
		for i, event := range batch.Events {
			ids[i] = event.ID
		}
		batches = append(batches, ids)
		json.NewEncoder(w).Encode(models.EventsResponse{Success: true, SyncedEvents: ids})
	}))
	defer upstream.Close()

	drain := syncer.New(store, upstream.URL+"/api/analytics", 1)
	proxy := NewProxy(upstream.URL, offline)
	worker := NewWorker(drain, proxy, time.Hour)

	worker.SyncNow()

	require.Len(t, batches, 2)
	assert.Equal(t, []string{"local"}, batches[0])
	assert.Equal(t, []string{"intercepted"}, batches[1])

	unsynced, err := store.ListUnsynced()
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	pending, err := offline.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
