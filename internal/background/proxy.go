package background

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/vincentbai/pagepulse/internal/models"
	"github.com/vincentbai/pagepulse/internal/storage"
)

// apiPathPrefix selects the requests the proxy intercepts.
const apiPathPrefix = "/api/analytics"

// Proxy fronts the ingestion service for a client that may be
// offline. GETs are served from the last cached response when the
// network fails; POSTs to the events path are accepted into the
// offline queue with a synthetic success so the caller can move on.
type Proxy struct {
	upstream string
	store    *OfflineStore
	client   *http.Client
}

// NewProxy creates a proxy forwarding to the upstream base URL, e.g.
// http://127.0.0.1:8123.
func NewProxy(upstream string, store *OfflineStore) *Proxy {
	return &Proxy{
		upstream: strings.TrimRight(upstream, "/"),
		store:    store,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, request *http.Request) {
	if !strings.HasPrefix(request.URL.Path, apiPathPrefix) {
		http.NotFound(w, request)
		return
	}

	switch request.Method {
	case http.MethodGet:
		p.serveGet(w, request)
	case http.MethodPost:
		p.servePost(w, request)
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// serveGet forwards the read; success refreshes the cache, failure
// falls back to the last cached body.
func (p *Proxy) serveGet(w http.ResponseWriter, request *http.Request) {
	key := request.URL.RequestURI()

	response, err := p.client.Get(p.upstream + key)
	if err == nil {
		defer response.Body.Close()
		body, readErr := io.ReadAll(response.Body)
		if readErr == nil && response.StatusCode >= 200 && response.StatusCode <= 299 {
			if cacheErr := p.store.CacheResponse(key, body); cacheErr != nil {
				log.Printf("failed to cache response for %s: %v", key, cacheErr)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(response.StatusCode)
			w.Write(body)
			return
		}
	}

	cached, cacheErr := p.store.CachedResponse(key)
	if cacheErr == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Served-From", "offline-cache")
		w.Write(cached)
		return
	}
	if !errors.Is(cacheErr, storage.ErrNotFound) {
		log.Printf("failed to read cached response for %s: %v", key, cacheErr)
	}

	writeProxyJSON(w, http.StatusServiceUnavailable, models.EventsResponse{
		Success: false, Error: "Service unavailable offline",
	})
}

// servePost forwards the write; on network failure, event submissions
// are parsed and queued for replay, and the caller gets a synthetic
// offline acceptance.
func (p *Proxy) servePost(w http.ResponseWriter, request *http.Request) {
	body, err := io.ReadAll(request.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}

	response, err := p.client.Post(p.upstream+request.URL.RequestURI(), "application/json", bytes.NewReader(body))
	if err == nil {
		defer response.Body.Close()
		upstream, readErr := io.ReadAll(response.Body)
		if readErr == nil && response.StatusCode >= 200 && response.StatusCode <= 299 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(response.StatusCode)
			w.Write(upstream)
			return
		}
	}

	if !strings.HasSuffix(strings.TrimRight(request.URL.Path, "/"), "/events") {
		writeProxyJSON(w, http.StatusServiceUnavailable, models.EventsResponse{
			Success: false, Error: "Service unavailable offline",
		})
		return
	}

	var batch models.EventBatch
	if err := json.Unmarshal(body, &batch); err != nil || batch.Events == nil {
		writeProxyJSON(w, http.StatusInternalServerError, models.EventsResponse{
			Success: false, Error: "Failed to store offline data",
		})
		return
	}
	if err := p.store.Enqueue(batch.Events); err != nil {
		log.Printf("failed to queue offline events: %v", err)
		writeProxyJSON(w, http.StatusInternalServerError, models.EventsResponse{
			Success: false, Error: "Failed to store offline data",
		})
		return
	}

	writeProxyJSON(w, http.StatusOK, models.EventsResponse{
		Success: true,
		Offline: true,
		Message: "Data stored offline, will sync when online",
	})
}

// Replay submits the queued event batch upstream and removes the
// acknowledged ids. An empty queue is a no-op.
func (p *Proxy) Replay() error {
	pending, err := p.store.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	payload, err := json.Marshal(models.EventBatch{Events: pending})
	if err != nil {
		return err
	}
	response, err := p.client.Post(p.upstream+apiPathPrefix+"/events", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return errors.New("replay failed: " + response.Status)
	}

	var result models.EventsResponse
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return err
	}
	acked := result.SyncedEvents
	if len(acked) == 0 {
		acked = make([]string, len(pending))
		for i, event := range pending {
			acked[i] = event.ID
		}
	}
	if err := p.store.Remove(acked); err != nil {
		return err
	}
	log.Printf("replayed %d offline events", len(acked))
	return nil
}

func writeProxyJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
