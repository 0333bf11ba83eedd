package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vincentbai/pagepulse/internal/background"
	"github.com/vincentbai/pagepulse/internal/config"
	"github.com/vincentbai/pagepulse/internal/storage"
	"github.com/vincentbai/pagepulse/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		log.Fatal(err)
	}

	// The syncd opens the same store the agent writes, and its own
	// offline store for the proxy's cache and queue.
	store, err := storage.Open(dataDir)
	if err != nil {
		log.Fatal("Failed to open local store:", err)
	}
	defer store.Close()

	offline, err := background.OpenOffline(filepath.Join(dataDir, "offline.db"))
	if err != nil {
		log.Fatal("Failed to open offline store:", err)
	}
	defer offline.Close()

	upstream, err := upstreamBase(cfg.APIEndpoint)
	if err != nil {
		log.Fatal(err)
	}

	drain := syncer.New(store, cfg.APIEndpoint, cfg.MaxRetries)
	proxy := background.NewProxy(upstream, offline)
	worker := background.NewWorker(drain, proxy, cfg.SyncInterval)

	done := make(chan struct{})
	go worker.Run(done)

	mux := http.NewServeMux()
	mux.Handle("/api/analytics/", proxy)
	mux.HandleFunc("/api/analytics", proxy.ServeHTTP)
	mux.HandleFunc("/sync", func(w http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		worker.SyncNow()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:        cfg.ProxyAddress,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	shutdownChannel := make(chan os.Signal, 1)
	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("PagePulse syncd listening on %s", cfg.ProxyAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Syncd failed to start:", err)
		}
	}()

	<-shutdownChannel
	log.Println("Shutting down syncd...")
	close(done)

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownContext); err != nil {
		log.Fatal("Syncd forced to shutdown:", err)
	}

	log.Println("Syncd exited")
}

// upstreamBase strips the API path from the configured endpoint,
// leaving the scheme and host the proxy forwards to.
func upstreamBase(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	return parsed.String(), nil
}
