package main

import (
	"log"
	"os"

	"github.com/vincentbai/pagepulse/internal/agent"
	"github.com/vincentbai/pagepulse/internal/config"
	"github.com/vincentbai/pagepulse/internal/identity"
	"github.com/vincentbai/pagepulse/internal/storage"
	"github.com/vincentbai/pagepulse/internal/syncer"
	"github.com/vincentbai/pagepulse/internal/tracker"
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

	store, err := storage.Open(dataDir)
	if err != nil {
		log.Fatal("Failed to open local store:", err)
	}
	defer store.Close()

	clientID, err := identity.Load(dataDir)
	if err != nil {
		log.Fatal("Failed to load client id:", err)
	}

	drain := syncer.New(store, cfg.APIEndpoint, cfg.MaxRetries)
	track := tracker.New(store, drain, clientID, cfg.SyncInterval, cfg.Debug)

	userAgent := os.Getenv("PAGEPULSE_USER_AGENT")
	if userAgent == "" {
		userAgent = "pagepulse-agent"
	}
	if err := track.Init(userAgent, os.Getenv("PAGEPULSE_REFERRER")); err != nil {
		log.Fatal("Failed to initialize tracker:", err)
	}

	// Reclaim space from events already acknowledged upstream.
	if err := track.Prune(cfg.PruneAge); err != nil {
		log.Printf("prune failed: %v", err)
	}

	srv := agent.NewServer(track, cfg.AgentAddress)
	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
}
