package background

import (
	"log"
	"time"

	"github.com/vincentbai/pagepulse/internal/syncer"
)

// Worker re-runs the drain → POST → mark-synced cycle against the
// shared event store without any page present, and replays the
// proxy's offline queue alongside it.
type Worker struct {
	drain    *syncer.Syncer
	proxy    *Proxy
	interval time.Duration
}

func NewWorker(drain *syncer.Syncer, proxy *Proxy, interval time.Duration) *Worker {
	return &Worker{
		drain:    drain,
		proxy:    proxy,
		interval: interval,
	}
}

// Run loops until done is closed. Every tick is a deferred-sync
// trigger; SyncNow serves the explicit-command trigger.
func (w *Worker) Run(done <-chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.SyncNow()
		case <-done:
			return
		}
	}
}

// SyncNow runs one deferred drain plus one offline-queue replay.
// Failures are logged and retried on the next trigger.
func (w *Worker) SyncNow() {
	if err := w.drain.Sync(); err != nil {
		log.Printf("background drain failed: %v", err)
	}
	if err := w.proxy.Replay(); err != nil {
		log.Printf("offline queue replay failed: %v", err)
	}
}
