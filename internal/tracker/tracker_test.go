package tracker

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vincentbai/pagepulse/internal/models"
	"github.com/vincentbai/pagepulse/internal/storage"
	"github.com/vincentbai/pagepulse/internal/syncer"
)

func setupTestTracker(t *testing.T) (*Tracker, storage.Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "pagepulse-tracker-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	store, err := storage.OpenSQLite(filepath.Join(tmpDir, "events.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open store: %v", err)
	}

	drain := syncer.New(store, "http://127.0.0.1:0/api/analytics", 1)
	tr := New(store, drain, "client-1", time.Hour, false)
	// Keep opportunistic sync quiet: nothing listens on the endpoint.
	tr.online = false

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return tr, store, cleanup
}

// fakeClock pins the tracker's clock and lets tests advance it.
type fakeClock struct {
	now int64
}

func (c *fakeClock) fn() func() int64 {
	return func() int64 { return c.now }
}

func TestInitIsIdempotent(t *testing.T) {
	tr, store, cleanup := setupTestTracker(t)
	defer cleanup()

	if err := tr.Init("Mozilla/5.0", "https://example.com"); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	firstSession := tr.session.ID

	if err := tr.Init("Mozilla/5.0", "https://example.com"); err != nil {
		t.Fatalf("Second init failed: %v", err)
	}
	if tr.session.ID != firstSession {
		t.Error("Expected repeated init to be a no-op")
	}

	active, err := store.ActiveSession()
	if err != nil {
		t.Fatalf("Failed to load active session: %v", err)
	}
	if active.ID != firstSession {
		t.Errorf("Expected active session %s, got %s", firstSession, active.ID)
	}
	if active.UserID != "client-1" {
		t.Errorf("Expected session user backfill, got %q", active.UserID)
	}
}

func TestInitCreatesAndUpdatesUser(t *testing.T) {
	tr, store, cleanup := setupTestTracker(t)
	defer cleanup()

	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}

	user, err := store.User("client-1")
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user.SessionCount != 1 {
		t.Errorf("Expected session count 1, got %d", user.SessionCount)
	}

	// A fresh init after teardown counts one more session.
	if err := tr.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to re-init: %v", err)
	}

	user, err = store.User("client-1")
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user.SessionCount != 2 {
		t.Errorf("Expected session count 2, got %d", user.SessionCount)
	}

	// Reusing the still-active session must not count another one.
	other := New(store, tr.sync, "client-1", time.Hour, false)
	other.online = false
	if err := other.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to init second tracker: %v", err)
	}
	user, err = store.User("client-1")
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user.SessionCount != 2 {
		t.Errorf("Expected session count unchanged at 2, got %d", user.SessionCount)
	}
	other.Close()
}

func TestSessionContinuity(t *testing.T) {
	tr, _, cleanup := setupTestTracker(t)
	defer cleanup()

	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := tr.TrackPageView("/journey/page1", nil); err != nil {
		t.Fatalf("Failed to track: %v", err)
	}
	if err := tr.TrackPageView("/journey/page2", nil); err != nil {
		t.Fatalf("Failed to track: %v", err)
	}

	events, err := tr.Events(0, 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	pageViews := eventsOfType(events, models.EventPageView)
	if len(pageViews) != 2 {
		t.Fatalf("Expected 2 page views, got %d", len(pageViews))
	}
	if pageViews[0].SessionID != pageViews[1].SessionID {
		t.Error("Expected both page views to share a session")
	}
	firstSession := pageViews[0].SessionID

	if err := tr.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to re-init: %v", err)
	}
	if tr.session.ID == firstSession {
		t.Error("Expected a fresh session id after teardown")
	}
}

func TestTimeOnPageDebounce(t *testing.T) {
	tr, _, cleanup := setupTestTracker(t)
	defer cleanup()

	clock := &fakeClock{now: 1_000_000}
	tr.now = clock.fn()

	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := tr.TrackPageView("/journey/page1", nil); err != nil {
		t.Fatalf("Failed to track: %v", err)
	}

	// Hidden 500ms after page start: below the threshold, no event.
	clock.now += 500
	tr.PageHidden()

	events, err := tr.Events(0, 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if n := len(eventsOfType(events, models.EventTimeOnPage)); n != 0 {
		t.Fatalf("Expected no time_on_page events, got %d", n)
	}

	// Marker was cleared; a second hidden without visible is a no-op.
	clock.now += 10_000
	tr.PageHidden()
	events, _ = tr.Events(0, 0)
	if n := len(eventsOfType(events, models.EventTimeOnPage)); n != 0 {
		t.Fatalf("Expected marker to stay unset, got %d events", n)
	}

	// Visible resets the marker; 1500ms dwell records exactly one.
	tr.PageVisible()
	clock.now += 1500
	tr.PageHidden()

	events, _ = tr.Events(0, 0)
	dwell := eventsOfType(events, models.EventTimeOnPage)
	if len(dwell) != 1 {
		t.Fatalf("Expected 1 time_on_page event, got %d", len(dwell))
	}
	timeSpent, ok := dwell[0].Data["timeSpent"].(float64)
	if !ok || int64(timeSpent) != 1500 {
		t.Errorf("Expected timeSpent 1500, got %v", dwell[0].Data["timeSpent"])
	}
}

func TestTimeOnPageAccumulatesUserTotal(t *testing.T) {
	tr, store, cleanup := setupTestTracker(t)
	defer cleanup()

	clock := &fakeClock{now: 1_000_000}
	tr.now = clock.fn()

	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := tr.TrackPageView("/journey/page1", nil); err != nil {
		t.Fatalf("Failed to track: %v", err)
	}

	clock.now += 2000
	// Navigation flushes the prior page's dwell.
	if err := tr.TrackPageView("/journey/page2", nil); err != nil {
		t.Fatalf("Failed to track: %v", err)
	}

	user, err := store.User("client-1")
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user.TotalTimeSpent != 2000 {
		t.Errorf("Expected total time spent 2000, got %d", user.TotalTimeSpent)
	}
}

func TestTrackClickTruncatesText(t *testing.T) {
	tr, _, cleanup := setupTestTracker(t)
	defer cleanup()

	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}

	err := tr.TrackClick(Click{
		Page:    "/journey/page1",
		TagName: "button",
		ID:      "cta",
		Class:   "btn primary",
		Text:    strings.Repeat("x", 250),
		X:       10,
		Y:       20,
	})
	if err != nil {
		t.Fatalf("Failed to track click: %v", err)
	}

	events, err := tr.Events(0, 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	clicks := eventsOfType(events, models.EventClick)
	if len(clicks) != 1 {
		t.Fatalf("Expected 1 click event, got %d", len(clicks))
	}
	text, _ := clicks[0].Data["text"].(string)
	if len(text) != 100 {
		t.Errorf("Expected text truncated to 100 chars, got %d", len(text))
	}
	if clicks[0].Data["tagName"] != "button" {
		t.Errorf("Expected tagName button, got %v", clicks[0].Data["tagName"])
	}
}

func TestTrackFormSubmissionNeverCapturesValues(t *testing.T) {
	tr, _, cleanup := setupTestTracker(t)
	defer cleanup()

	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}

	err := tr.TrackFormSubmission(Form{
		Page:   "/journey/page3",
		FormID: "signup",
		Action: "/api/signup",
		Method: "post",
		Fields: []string{"email", "password"},
	})
	if err != nil {
		t.Fatalf("Failed to track form: %v", err)
	}

	events, err := tr.Events(0, 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	forms := eventsOfType(events, models.EventFormSubmission)
	if len(forms) != 1 {
		t.Fatalf("Expected 1 form event, got %d", len(forms))
	}

	fieldCount, _ := forms[0].Data["fieldCount"].(float64)
	if int(fieldCount) != 2 {
		t.Errorf("Expected fieldCount 2, got %v", forms[0].Data["fieldCount"])
	}
	fields, _ := forms[0].Data["fields"].(map[string]any)
	for name, value := range fields {
		if value != "submitted" {
			t.Errorf("Field %s carries %v; only the literal marker is allowed", name, value)
		}
	}
}

func TestTrackCustomWrapsSubtype(t *testing.T) {
	tr, _, cleanup := setupTestTracker(t)
	defer cleanup()

	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := tr.TrackCustom("/journey/page4", "video_play", map[string]any{"videoId": "v-1"}); err != nil {
		t.Fatalf("Failed to track custom event: %v", err)
	}

	events, err := tr.Events(0, 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	custom := eventsOfType(events, models.EventCustom)
	if len(custom) != 1 {
		t.Fatalf("Expected 1 custom event, got %d", len(custom))
	}
	if custom[0].Data["customType"] != "video_play" {
		t.Errorf("Expected customType video_play, got %v", custom[0].Data["customType"])
	}
	if custom[0].Data["videoId"] != "v-1" {
		t.Errorf("Expected caller data preserved, got %v", custom[0].Data["videoId"])
	}
}

func TestCloseEndsSession(t *testing.T) {
	tr, store, cleanup := setupTestTracker(t)
	defer cleanup()

	if err := tr.Init("Mozilla/5.0", ""); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	if _, err := store.ActiveSession(); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected no active session after close, got %v", err)
	}
}

func eventsOfType(events []models.Event, eventType string) []models.Event {
	var matched []models.Event
	for _, event := range events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}
