// Package server is the remote ingestion service: it accepts batched
// events and sessions from clients, persisting every valid item even
// when siblings in the same batch are rejected, and serves the query
// and insights endpoints consumed by dashboards.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vincentbai/pagepulse/internal/database"
	"github.com/vincentbai/pagepulse/internal/models"
)

type Server struct {
	db      *database.Database
	address string
	server  *http.Server
}

func NewServer(db *database.Database, address string) *Server {
	return &Server{
		db:      db,
		address: address,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleEvents(w http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodPost:
		s.handleEventsPost(w, request)
	case http.MethodGet:
		s.handleEventsGet(w, request)
	default:
		http.Error(w, "POST or GET only", http.StatusMethodNotAllowed)
	}
}

// handleEventsPost validates each event independently, persists all
// valid ones, and reports rejected ids without failing the batch.
func (s *Server) handleEventsPost(w http.ResponseWriter, request *http.Request) {
	var batch models.EventBatch
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, models.EventsResponse{
			Success: false, Error: "Invalid events data",
		})
		return
	}
	if batch.Events == nil {
		writeJSON(w, http.StatusBadRequest, models.EventsResponse{
			Success: false, Error: "Invalid events data",
		})
		return
	}

	var valid []models.Event
	var errors []string
	for _, event := range batch.Events {
		if err := models.ValidateEvent(event); err != nil {
			id := event.ID
			if id == "" {
				id = "unknown"
			}
			errors = append(errors, fmt.Sprintf("Invalid event %s: %v", id, err))
			continue
		}
		valid = append(valid, event)
	}

	if len(valid) == 0 {
		writeJSON(w, http.StatusBadRequest, models.EventsResponse{
			Success: false, Error: "No valid events to save", Errors: errors,
		})
		return
	}

	if err := s.db.SaveEvents(valid); err != nil {
		log.Printf("Database error: %v", err)
		writeJSON(w, http.StatusInternalServerError, models.EventsResponse{
			Success: false, Error: "Failed to store events",
		})
		return
	}

	synced := make([]string, len(valid))
	for i, event := range valid {
		synced[i] = event.ID
	}
	writeJSON(w, http.StatusOK, models.EventsResponse{
		Success:      true,
		Message:      fmt.Sprintf("Saved %d events", len(valid)),
		SyncedEvents: synced,
		Errors:       errors,
	})
}

func (s *Server) handleEventsGet(w http.ResponseWriter, request *http.Request) {
	filter := filterFromQuery(request)
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	events, err := s.db.Events(filter)
	if err != nil {
		log.Printf("Database error: %v", err)
		http.Error(w, "Failed to query events", http.StatusInternalServerError)
		return
	}
	total, err := s.db.EventsCount(filter)
	if err != nil {
		log.Printf("Database error: %v", err)
		http.Error(w, "Failed to query events", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.EventList{
		Success:    true,
		Events:     events,
		TotalCount: total,
		HasMore:    filter.Offset+len(events) < total,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodPost:
		s.handleSessionsPost(w, request)
	case http.MethodGet:
		s.handleSessionsGet(w, request)
	default:
		http.Error(w, "POST or GET only", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionsPost(w http.ResponseWriter, request *http.Request) {
	var batch models.SessionBatch
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil || batch.Sessions == nil {
		writeJSON(w, http.StatusBadRequest, models.SessionsResponse{
			Success: false, Error: "Invalid sessions data",
		})
		return
	}

	var valid []models.Session
	var errors []string
	for _, session := range batch.Sessions {
		if err := models.ValidateSession(session); err != nil {
			id := session.ID
			if id == "" {
				id = "unknown"
			}
			errors = append(errors, fmt.Sprintf("Invalid session %s: %v", id, err))
			continue
		}
		valid = append(valid, session)
	}

	if len(valid) == 0 {
		writeJSON(w, http.StatusBadRequest, models.SessionsResponse{
			Success: false, Error: "No valid sessions to save", Errors: errors,
		})
		return
	}

	if err := s.db.SaveSessions(valid); err != nil {
		log.Printf("Database error: %v", err)
		writeJSON(w, http.StatusInternalServerError, models.SessionsResponse{
			Success: false, Error: "Failed to store sessions",
		})
		return
	}

	saved := make([]string, len(valid))
	for i, session := range valid {
		saved[i] = session.ID
	}
	writeJSON(w, http.StatusOK, models.SessionsResponse{
		Success:       true,
		Message:       fmt.Sprintf("Saved %d sessions", len(valid)),
		SavedSessions: saved,
		Errors:        errors,
	})
}

func (s *Server) handleSessionsGet(w http.ResponseWriter, request *http.Request) {
	userID := request.URL.Query().Get("userId")
	limit := queryInt(request, "limit", 50)
	offset := queryInt(request, "offset", 0)

	sessions, err := s.db.Sessions(userID, limit, offset)
	if err != nil {
		log.Printf("Database error: %v", err)
		http.Error(w, "Failed to query sessions", http.StatusInternalServerError)
		return
	}
	total, err := s.db.SessionsCount(userID)
	if err != nil {
		log.Printf("Database error: %v", err)
		http.Error(w, "Failed to query sessions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.SessionList{
		Success:    true,
		Sessions:   sessions,
		TotalCount: total,
		HasMore:    offset+len(sessions) < total,
	})
}

func (s *Server) handleInsights(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	insights, err := s.db.Insights(filterFromQuery(request))
	if err != nil {
		log.Printf("Database error: %v", err)
		http.Error(w, "Failed to generate insights", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.InsightsResponse{
		Success:     true,
		Insights:    insights,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func filterFromQuery(request *http.Request) models.Filter {
	query := request.URL.Query()
	return models.Filter{
		StartTime: queryMillis(request, "startDate"),
		EndTime:   queryMillis(request, "endDate"),
		UserID:    query.Get("userId"),
		SessionID: query.Get("sessionId"),
		Page:      query.Get("page"),
		EventType: query.Get("eventType"),
		Limit:     queryInt(request, "limit", 0),
		Offset:    queryInt(request, "offset", 0),
	}
}

// queryMillis accepts either epoch milliseconds or RFC 3339.
func queryMillis(request *http.Request, key string) int64 {
	value := request.URL.Query().Get(key)
	if value == "" {
		return 0
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ms
	}
	if when, err := time.Parse(time.RFC3339, value); err == nil {
		return when.UnixMilli()
	}
	return 0
}

func queryInt(request *http.Request, key string, fallback int) int {
	value := request.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/analytics/events", s.handleEvents)
	mux.HandleFunc("/api/analytics/sessions", s.handleSessions)
	mux.HandleFunc("/api/analytics/insights", s.handleInsights)
	return mux
}

// Start runs the ingestion service until SIGINT/SIGTERM.
func (s *Server) Start() error {
	mux := s.setupRoutes()
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownChannel := make(chan os.Signal, 1)
	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("PagePulse ingestion service listening on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	<-shutdownChannel
	log.Println("Shutting down server...")

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
	return nil
}
