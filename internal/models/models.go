package models

import "fmt"

// Event types recognized by the tracker and the ingestion service.
const (
	EventPageView       = "page_view"
	EventClick          = "click"
	EventFormSubmission = "form_submission"
	EventTimeOnPage     = "time_on_page"
	EventCustom         = "custom"
)

// UnknownSession is stamped on events captured before a session exists.
const UnknownSession = "unknown"

// Event is a single captured interaction. The id is assigned once at
// creation and never changes; only Synced and RetryCount are mutated
// after the event is written.
type Event struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	UserID     string         `json:"userId,omitempty"`
	Type       string         `json:"type"` // page_view|click|form_submission|time_on_page|custom
	Page       string         `json:"page"`
	Timestamp  int64          `json:"timestamp"` // epoch milliseconds
	Data       map[string]any `json:"data"`
	Synced     bool           `json:"synced"`
	RetryCount int            `json:"retryCount"`
}

// Session is one visit. At most one session per client store has
// IsActive set at any time.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"userId,omitempty"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime,omitempty"`
	UserAgent string `json:"userAgent"`
	Referrer  string `json:"referrer,omitempty"`
	IsActive  bool   `json:"isActive"`
}

// User is the persisted client identity. TotalTimeSpent only grows;
// SessionCount increments once per new session attributed to the user.
type User struct {
	ID             string `json:"id"`
	FirstSeen      int64  `json:"firstSeen"`
	LastSeen       int64  `json:"lastSeen"`
	SessionCount   int    `json:"sessionCount"`
	TotalTimeSpent int64  `json:"totalTimeSpent"` // milliseconds
}

// SyncStatus is a single mutable record reflecting the most recent
// sync attempt, not an append log.
type SyncStatus struct {
	IsOnline       bool  `json:"isOnline"`
	LastSyncTime   int64 `json:"lastSyncTime"`
	PendingEvents  int   `json:"pendingEvents"`
	FailedEvents   int   `json:"failedEvents"`
	SyncInProgress bool  `json:"syncInProgress"`
}

// Filter narrows event and session queries on the ingestion service.
// Zero values mean "no constraint".
type Filter struct {
	StartTime int64
	EndTime   int64
	UserID    string
	SessionID string
	Page      string
	EventType string
	Limit     int
	Offset    int
}

// PageViews counts page_view events for one page.
type PageViews struct {
	Page  string `json:"page"`
	Views int    `json:"views"`
}

// TypeCount is the event-type histogram entry.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// DailyActivity is one day of user/event totals.
type DailyActivity struct {
	Date   string `json:"date"`
	Users  int    `json:"users"`
	Events int    `json:"events"`
}

// Insight is the aggregated analytics summary served to dashboards.
type Insight struct {
	TotalEvents            int             `json:"totalEvents"`
	UniqueUsers            int             `json:"uniqueUsers"`
	TotalSessions          int             `json:"totalSessions"`
	AverageSessionDuration float64         `json:"averageSessionDuration"`
	TopPages               []PageViews     `json:"topPages"`
	EventsByType           []TypeCount     `json:"eventsByType"`
	UserActivity           []DailyActivity `json:"userActivity"`
}

// EventBatch is the wire body for POST {path}/events.
type EventBatch struct {
	Events []Event `json:"events"`
}

// SessionBatch is the wire body for POST {path}/sessions.
type SessionBatch struct {
	Sessions []Session `json:"sessions"`
}

// EventsResponse acknowledges an event batch. SyncedEvents lists the
// ids persisted; Errors reports rejected events without failing the
// batch.
type EventsResponse struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message,omitempty"`
	SyncedEvents []string `json:"syncedEvents,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	Offline      bool     `json:"offline,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// SessionsResponse acknowledges a session batch.
type SessionsResponse struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message,omitempty"`
	SavedSessions []string `json:"savedSessions,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// EventList is the paged result of the events query endpoint.
type EventList struct {
	Success    bool    `json:"success"`
	Events     []Event `json:"events"`
	TotalCount int     `json:"totalCount"`
	HasMore    bool    `json:"hasMore"`
}

// SessionList is the paged result of the sessions query endpoint.
type SessionList struct {
	Success    bool      `json:"success"`
	Sessions   []Session `json:"sessions"`
	TotalCount int       `json:"totalCount"`
	HasMore    bool      `json:"hasMore"`
}

// InsightsResponse wraps the aggregate query.
type InsightsResponse struct {
	Success     bool    `json:"success"`
	Insights    Insight `json:"insights"`
	GeneratedAt string  `json:"generatedAt"`
}

var validEventTypes = map[string]bool{
	EventPageView:       true,
	EventClick:          true,
	EventFormSubmission: true,
	EventTimeOnPage:     true,
	EventCustom:         true,
}

// ValidateEvent checks the minimal fields the ingestion service
// requires. Validation is per event; one bad event never rejects its
// siblings.
func ValidateEvent(event Event) error {
	if event.ID == "" {
		return fmt.Errorf("event id cannot be empty")
	}
	if event.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if event.Type == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if !validEventTypes[event.Type] {
		return fmt.Errorf("invalid event type: %s", event.Type)
	}
	if event.Page == "" {
		return fmt.Errorf("page cannot be empty")
	}
	if event.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return nil
}

// ValidateSession checks the minimal fields for session ingestion.
func ValidateSession(session Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if session.StartTime <= 0 {
		return fmt.Errorf("start time must be positive")
	}
	if session.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return nil
}
