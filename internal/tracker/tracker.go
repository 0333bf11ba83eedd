// Package tracker is the capture engine: it owns session and user
// lifecycle, turns raw interactions into analytics events, writes
// them durably, and triggers synchronization opportunistically.
package tracker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vincentbai/pagepulse/internal/models"
	"github.com/vincentbai/pagepulse/internal/storage"
	"github.com/vincentbai/pagepulse/internal/syncer"
)

// timeOnPageThreshold is the debounce floor: dwell deltas below one
// second are noise and produce no event.
const timeOnPageThreshold = 1000 * time.Millisecond

// clickTextLimit caps captured element text.
const clickTextLimit = 100

// Click is a raw click interaction as reported by the page.
type Click struct {
	Page    string `json:"page"`
	TagName string `json:"tagName"`
	ID      string `json:"id"`
	Class   string `json:"className"`
	Text    string `json:"text"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

// Form is a raw form submission. Only field names travel; values are
// never captured.
type Form struct {
	Page   string   `json:"page"`
	FormID string   `json:"formId"`
	Action string   `json:"formAction"`
	Method string   `json:"formMethod"`
	Fields []string `json:"fields"`
}

// Tracker is an explicitly constructed engine instance with a
// controlled Init/Close lifecycle. It is safe for concurrent use by
// the agent's HTTP handlers.
type Tracker struct {
	store        storage.Store
	sync         *syncer.Syncer
	clientID     string
	syncInterval time.Duration
	debug        bool

	mu          sync.Mutex
	session     models.Session
	user        models.User
	currentPage string
	pageStart   int64 // epoch ms; 0 means unset
	online      bool
	initialized bool
	done        chan struct{}

	now func() int64 // epoch ms, swappable in tests
}

// New creates a tracker bound to a store, a sync engine, and the
// persisted client id.
func New(store storage.Store, sync *syncer.Syncer, clientID string, syncInterval time.Duration, debug bool) *Tracker {
	return &Tracker{
		store:        store,
		sync:         sync,
		clientID:     clientID,
		syncInterval: syncInterval,
		debug:        debug,
		online:       true,
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// Init derives the session and user and starts the periodic sync
// timer. Repeated calls after a successful Init are no-ops.
func (t *Tracker) Init(userAgent, referrer string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return nil
	}

	freshSession, err := t.initSession(userAgent, referrer)
	if err != nil {
		return err
	}
	if err := t.initUser(freshSession); err != nil {
		return err
	}

	t.done = make(chan struct{})
	go t.syncLoop()

	t.initialized = true
	if t.debug {
		log.Printf("tracker initialized: session=%s user=%s", t.session.ID, t.user.ID)
	}
	return nil
}

// initSession reuses the active session if one exists, otherwise
// creates a fresh one. Reports whether a new session was created.
func (t *Tracker) initSession(userAgent, referrer string) (bool, error) {
	session, err := t.store.ActiveSession()
	if err == nil && session.IsActive {
		t.session = session
		return false, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to load active session: %w", err)
	}

	t.session = models.Session{
		ID:        uuid.NewString(),
		StartTime: t.now(),
		UserAgent: userAgent,
		Referrer:  referrer,
		IsActive:  true,
	}
	if err := t.store.PutSession(t.session); err != nil {
		return false, fmt.Errorf("failed to save session: %w", err)
	}
	return true, nil
}

// initUser loads or creates the user for the persisted client id.
// sessionCount increments exactly once per new session.
func (t *Tracker) initUser(freshSession bool) error {
	user, err := t.store.User(t.clientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		user = models.User{
			ID:           t.clientID,
			FirstSeen:    t.now(),
			LastSeen:     t.now(),
			SessionCount: 1,
		}
	case err != nil:
		return fmt.Errorf("failed to load user: %w", err)
	default:
		user.LastSeen = t.now()
		if freshSession {
			user.SessionCount++
		}
	}
	if err := t.store.PutUser(user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	t.user = user

	// Backfill the session with the user id.
	if t.session.UserID != user.ID {
		t.session.UserID = user.ID
		if err := t.store.PutSession(t.session); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
	}
	return nil
}

func (t *Tracker) syncLoop() {
	ticker := time.NewTicker(t.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			online := t.online
			t.mu.Unlock()
			if online {
				t.sync.TrySync()
			}
		case <-t.done:
			return
		}
	}
}

// TrackPageView flushes time-on-page for the prior page, resets the
// dwell marker, then records a page_view.
func (t *Tracker) TrackPageView(page string, data map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flushTimeOnPage()
	t.pageStart = t.now()
	t.currentPage = page

	merged := map[string]any{
		"userAgent": t.session.UserAgent,
		"referrer":  t.session.Referrer,
		"url":       page,
	}
	for key, value := range data {
		merged[key] = value
	}
	return t.saveEvent(models.EventPageView, page, merged)
}

// TrackClick records a click with coarse element detail. Text is
// truncated, never sanitized further.
func (t *Tracker) TrackClick(click Click) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	text := click.Text
	if runes := []rune(text); len(runes) > clickTextLimit {
		text = string(runes[:clickTextLimit])
	}
	return t.saveEvent(models.EventClick, t.resolvePage(click.Page), map[string]any{
		"tagName":   click.TagName,
		"id":        click.ID,
		"className": click.Class,
		"text":      text,
		"x":         click.X,
		"y":         click.Y,
	})
}

// TrackFormSubmission records a form submit. Field names map to the
// literal marker "submitted"; actual values never leave the page.
func (t *Tracker) TrackFormSubmission(form Form) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fields := make(map[string]any, len(form.Fields))
	for _, name := range form.Fields {
		fields[name] = "submitted"
	}
	return t.saveEvent(models.EventFormSubmission, t.resolvePage(form.Page), map[string]any{
		"formId":     form.FormID,
		"formAction": form.Action,
		"formMethod": form.Method,
		"fieldCount": len(fields),
		"fields":     fields,
	})
}

// TrackCustom wraps a caller-supplied subtype and data map into a
// custom event.
func (t *Tracker) TrackCustom(page, eventType string, data map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := map[string]any{"customType": eventType}
	for key, value := range data {
		merged[key] = value
	}
	return t.saveEvent(models.EventCustom, t.resolvePage(page), merged)
}

// PageVisible resets the dwell marker to now.
func (t *Tracker) PageVisible() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pageStart = t.now()
}

// PageHidden flushes time-on-page for the current page.
func (t *Tracker) PageHidden() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushTimeOnPage()
}

// flushTimeOnPage computes the dwell delta and records it when it
// clears the debounce threshold, adding it to the user's total. The
// marker is cleared either way. Callers hold the mutex.
func (t *Tracker) flushTimeOnPage() {
	if t.pageStart == 0 {
		return
	}
	timeSpent := t.now() - t.pageStart
	t.pageStart = 0

	if timeSpent < timeOnPageThreshold.Milliseconds() {
		return
	}

	err := t.saveEvent(models.EventTimeOnPage, t.currentPage, map[string]any{
		"timeSpent": timeSpent,
		"url":       t.currentPage,
	})
	if err != nil {
		return
	}

	t.user.TotalTimeSpent += timeSpent
	if err := t.store.PutUser(t.user); err != nil {
		log.Printf("failed to update user time spent: %v", err)
	}
}

// SetOnline records the connectivity transition; coming online
// triggers a sync.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	t.online = online
	t.mu.Unlock()

	t.updateOnlineStatus(online)
	if online {
		t.sync.TrySync()
	}
}

func (t *Tracker) updateOnlineStatus(online bool) {
	status, err := t.store.SyncStatus()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("failed to load sync status: %v", err)
		return
	}
	status.IsOnline = online
	if err := t.store.PutSyncStatus(status); err != nil {
		log.Printf("failed to save sync status: %v", err)
	}
}

// Sync runs a drain cycle immediately (the explicit external
// command trigger).
func (t *Tracker) Sync() error {
	return t.sync.Sync()
}

// Status returns the current sync-status snapshot.
func (t *Tracker) Status() (models.SyncStatus, error) {
	status, err := t.store.SyncStatus()
	if errors.Is(err, storage.ErrNotFound) {
		t.mu.Lock()
		online := t.online
		t.mu.Unlock()
		return models.SyncStatus{IsOnline: online}, nil
	}
	return status, err
}

// Events lists locally stored events, most recent first.
func (t *Tracker) Events(limit, offset int) ([]models.Event, error) {
	return t.store.ListEvents(limit, offset)
}

// Prune deletes synced events older than the given age.
func (t *Tracker) Prune(age time.Duration) error {
	return t.store.PruneOlderThan(t.now() - age.Milliseconds())
}

// Close flushes time-on-page and closes the active session. Best
// effort: the process may die before any of it lands.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil
	}
	t.initialized = false
	close(t.done)

	t.flushTimeOnPage()

	t.session.EndTime = t.now()
	t.session.IsActive = false
	if err := t.store.PutSession(t.session); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// saveEvent stamps and appends one event, then triggers an
// opportunistic sync when online. Callers hold the mutex. The error
// reports only append failure; sync is fire-and-forget.
func (t *Tracker) saveEvent(eventType, page string, data map[string]any) error {
	sessionID := t.session.ID
	if sessionID == "" {
		sessionID = models.UnknownSession
	}
	event := models.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    t.user.ID,
		Type:      eventType,
		Page:      page,
		Timestamp: t.now(),
		Data:      data,
		Synced:    false,
	}
	if err := t.store.Append(event); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	if t.debug {
		log.Printf("event tracked: type=%s page=%s id=%s", event.Type, event.Page, event.ID)
	}
	if t.online {
		t.sync.TrySync()
	}
	return nil
}

func (t *Tracker) resolvePage(page string) string {
	if page != "" {
		return page
	}
	return t.currentPage
}
