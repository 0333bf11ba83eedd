package main

import (
	"log"
	"path/filepath"

	"github.com/vincentbai/pagepulse/internal/config"
	"github.com/vincentbai/pagepulse/internal/database"
	"github.com/vincentbai/pagepulse/internal/server"
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

	db, err := database.NewDatabase(filepath.Join(dataDir, "analytics.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	srv := server.NewServer(db, cfg.ServerAddress)
	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
}
