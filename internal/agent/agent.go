// Package agent exposes the capture engine over a loopback HTTP
// surface. A page script or browser extension posts raw interactions
// here; handlers resolve as soon as the event is durably appended,
// never waiting on synchronization.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vincentbai/pagepulse/internal/tracker"
)

type Server struct {
	tracker *tracker.Tracker
	address string
	server  *http.Server
}

func NewServer(t *tracker.Tracker, address string) *Server {
	return &Server{
		tracker: t,
		address: address,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

type pageViewRequest struct {
	Page string         `json:"page"`
	Data map[string]any `json:"data"`
}

func (s *Server) handlePageView(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var body pageViewRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if body.Page == "" {
		http.Error(w, "page is required", http.StatusBadRequest)
		return
	}
	if err := s.tracker.TrackPageView(body.Page, body.Data); err != nil {
		log.Printf("failed to record page view: %v", err)
		http.Error(w, "Failed to store event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClick(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var click tracker.Click
	if err := json.NewDecoder(request.Body).Decode(&click); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if err := s.tracker.TrackClick(click); err != nil {
		log.Printf("failed to record click: %v", err)
		http.Error(w, "Failed to store event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForm(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var form tracker.Form
	if err := json.NewDecoder(request.Body).Decode(&form); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if err := s.tracker.TrackFormSubmission(form); err != nil {
		log.Printf("failed to record form submission: %v", err)
		http.Error(w, "Failed to store event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type customRequest struct {
	Page string         `json:"page"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (s *Server) handleCustom(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var body customRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if body.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if err := s.tracker.TrackCustom(body.Page, body.Type, body.Data); err != nil {
		log.Printf("failed to record custom event: %v", err)
		http.Error(w, "Failed to store event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type visibilityRequest struct {
	Hidden bool `json:"hidden"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var body visibilityRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if body.Hidden {
		s.tracker.PageHidden()
	} else {
		s.tracker.PageVisible()
	}
	w.WriteHeader(http.StatusNoContent)
}

type onlineRequest struct {
	Online bool `json:"online"`
}

func (s *Server) handleOnline(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var body onlineRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	s.tracker.SetOnline(body.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if err := s.tracker.Sync(); err != nil {
		log.Printf("manual sync failed: %v", err)
		http.Error(w, "Sync failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.tracker.Status()
	if err != nil {
		log.Printf("failed to load sync status: %v", err)
		http.Error(w, "Failed to load status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleEvents(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(request, "limit", 100)
	offset := queryInt(request, "offset", 0)
	events, err := s.tracker.Events(limit, offset)
	if err != nil {
		log.Printf("failed to list events: %v", err)
		http.Error(w, "Failed to list events", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

func queryInt(request *http.Request, key string, fallback int) int {
	value := request.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/track/pageview", s.handlePageView)
	mux.HandleFunc("/track/click", s.handleClick)
	mux.HandleFunc("/track/form", s.handleForm)
	mux.HandleFunc("/track/custom", s.handleCustom)
	mux.HandleFunc("/track/visibility", s.handleVisibility)
	mux.HandleFunc("/track/online", s.handleOnline)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Start runs the agent surface until SIGINT/SIGTERM, then shuts down
// gracefully and closes the tracker (best-effort session close).
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
		log.Printf("PagePulse agent listening on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Agent failed to start:", err)
		}
	}()

	<-shutdownChannel
	log.Println("Shutting down agent...")

	if err := s.tracker.Close(); err != nil {
		log.Printf("failed to close tracker: %v", err)
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		log.Fatal("Agent forced to shutdown:", err)
	}

	log.Println("Agent exited")
	return nil
}
