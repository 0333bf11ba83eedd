// Package database is the ingestion service's persistence layer.
// Events and sessions are upserted by id, which makes repeated
// submissions of the same batch a no-op and lets uncoordinated client
// sync paths race safely.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/vincentbai/pagepulse/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events(
	  id          TEXT PRIMARY KEY,
	  session_id  TEXT    NOT NULL,
	  user_id     TEXT,
	  type        TEXT    NOT NULL,
	  page        TEXT    NOT NULL,
	  timestamp   INTEGER NOT NULL,
	  data_json   TEXT    NOT NULL CHECK (json_valid(data_json)),
	  retry_count INTEGER NOT NULL DEFAULT 0,
	  created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts      ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_user    ON events(user_id);
	CREATE INDEX IF NOT EXISTS idx_events_type    ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_page    ON events(page);

	CREATE TABLE IF NOT EXISTS sessions(
	  id         TEXT PRIMARY KEY,
	  user_id    TEXT,
	  start_time INTEGER NOT NULL,
	  end_time   INTEGER,
	  user_agent TEXT    NOT NULL,
	  referrer   TEXT,
	  is_active  BOOLEAN NOT NULL DEFAULT 0,
	  created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user  ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SaveEvents upserts a batch of already-validated events in one
// transaction. Submitting the same ids again overwrites in place.
func (d *Database) SaveEvents(events []models.Event) error {
	transaction, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.Prepare(
		`INSERT OR REPLACE INTO events(id, session_id, user_id, type, page, timestamp, data_json, retry_count)
		 VALUES(?,?,?,?,?,?,json(?),?)`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, event := range events {
		jsonData, err := json.Marshal(event.Data)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		if _, err := statement.Exec(event.ID, event.SessionID, nullable(event.UserID), event.Type,
			event.Page, event.Timestamp, string(jsonData), event.RetryCount); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveSessions upserts a batch of already-validated sessions.
func (d *Database) SaveSessions(sessions []models.Session) error {
	transaction, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.Prepare(
		`INSERT OR REPLACE INTO sessions(id, user_id, start_time, end_time, user_agent, referrer, is_active)
		 VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, session := range sessions {
		if _, err := statement.Exec(session.ID, nullable(session.UserID), session.StartTime,
			nullableInt(session.EndTime), session.UserAgent, nullable(session.Referrer),
			session.IsActive); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Events lists events matching the filter, newest first.
func (d *Database) Events(filter models.Filter) ([]models.Event, error) {
	query := `SELECT id, session_id, user_id, type, page, timestamp, data_json, retry_count
	          FROM events` + filterClause(filter, "timestamp")
	query += " ORDER BY timestamp DESC"
	args := filterArgs(filter)
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var event models.Event
		var userID sql.NullString
		var dataJSON string
		if err := rows.Scan(&event.ID, &event.SessionID, &userID, &event.Type, &event.Page,
			&event.Timestamp, &dataJSON, &event.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.UserID = userID.String
		event.Synced = true
		if err := json.Unmarshal([]byte(dataJSON), &event.Data); err != nil {
			log.Printf("failed to parse stored event data for %s: %v", event.ID, err)
			continue
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// EventsCount counts events matching the filter.
func (d *Database) EventsCount(filter models.Filter) (int, error) {
	query := `SELECT COUNT(*) FROM events` + filterClause(filter, "timestamp")
	var count int
	if err := d.db.QueryRow(query, filterArgs(filter)...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Sessions lists sessions, newest first, optionally by user.
func (d *Database) Sessions(userID string, limit, offset int) ([]models.Session, error) {
	query := `SELECT id, user_id, start_time, end_time, user_agent, referrer, is_active FROM sessions`
	args := []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY start_time DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		if limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var session models.Session
		var userID, referrer sql.NullString
		var endTime sql.NullInt64
		if err := rows.Scan(&session.ID, &userID, &session.StartTime, &endTime,
			&session.UserAgent, &referrer, &session.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		session.UserID = userID.String
		session.Referrer = referrer.String
		session.EndTime = endTime.Int64
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// SessionsCount counts sessions, optionally by user.
func (d *Database) SessionsCount(userID string) (int, error) {
	query := `SELECT COUNT(*) FROM sessions`
	args := []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	var count int
	if err := d.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Insights aggregates the analytics summary for the filter window.
func (d *Database) Insights(filter models.Filter) (models.Insight, error) {
	var insight models.Insight
	var err error

	if insight.TotalEvents, err = d.EventsCount(filter); err != nil {
		return models.Insight{}, err
	}

	uniqueQuery := `SELECT COUNT(DISTINCT user_id) FROM events` +
		filterClause(models.Filter{StartTime: filter.StartTime, EndTime: filter.EndTime}, "timestamp")
	uniqueQuery = andWhere(uniqueQuery, "user_id IS NOT NULL")
	if err := d.db.QueryRow(uniqueQuery, rangeArgs(filter)...).Scan(&insight.UniqueUsers); err != nil {
		return models.Insight{}, fmt.Errorf("failed to count unique users: %w", err)
	}

	sessionsQuery := `SELECT COUNT(DISTINCT session_id) FROM events` +
		filterClause(models.Filter{StartTime: filter.StartTime, EndTime: filter.EndTime}, "timestamp")
	if err := d.db.QueryRow(sessionsQuery, rangeArgs(filter)...).Scan(&insight.TotalSessions); err != nil {
		return models.Insight{}, fmt.Errorf("failed to count sessions: %w", err)
	}

	if insight.AverageSessionDuration, err = d.averageSessionDuration(filter); err != nil {
		return models.Insight{}, err
	}
	if insight.TopPages, err = d.topPages(filter, 10); err != nil {
		return models.Insight{}, err
	}
	if insight.EventsByType, err = d.eventsByType(filter); err != nil {
		return models.Insight{}, err
	}
	if insight.UserActivity, err = d.userActivity(filter); err != nil {
		return models.Insight{}, err
	}
	return insight, nil
}

// averageSessionDuration averages end-start over closed sessions in
// the window.
func (d *Database) averageSessionDuration(filter models.Filter) (float64, error) {
	query := `SELECT COALESCE(AVG(end_time - start_time), 0) FROM sessions
	          WHERE end_time IS NOT NULL AND end_time > start_time`
	args := []any{}
	if filter.StartTime > 0 {
		query += " AND start_time >= ?"
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		query += " AND start_time <= ?"
		args = append(args, filter.EndTime)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	var average float64
	if err := d.db.QueryRow(query, args...).Scan(&average); err != nil {
		return 0, fmt.Errorf("failed to average session duration: %w", err)
	}
	return average, nil
}

func (d *Database) topPages(filter models.Filter, limit int) ([]models.PageViews, error) {
	query := `SELECT page, COUNT(*) AS views FROM events WHERE type = 'page_view'`
	args := []any{}
	if filter.StartTime > 0 {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	query += " GROUP BY page ORDER BY views DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top pages: %w", err)
	}
	defer rows.Close()

	var pages []models.PageViews
	for rows.Next() {
		var page models.PageViews
		if err := rows.Scan(&page.Page, &page.Views); err != nil {
			return nil, fmt.Errorf("failed to scan top page: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func (d *Database) eventsByType(filter models.Filter) ([]models.TypeCount, error) {
	query := `SELECT type, COUNT(*) AS count FROM events` +
		filterClause(models.Filter{StartTime: filter.StartTime, EndTime: filter.EndTime, UserID: filter.UserID}, "timestamp")
	query += " GROUP BY type ORDER BY count DESC"
	args := filterArgs(models.Filter{StartTime: filter.StartTime, EndTime: filter.EndTime, UserID: filter.UserID})

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by type: %w", err)
	}
	defer rows.Close()

	var counts []models.TypeCount
	for rows.Next() {
		var count models.TypeCount
		if err := rows.Scan(&count.Type, &count.Count); err != nil {
			return nil, fmt.Errorf("failed to scan event type count: %w", err)
		}
		counts = append(counts, count)
	}
	return counts, rows.Err()
}

// userActivity aggregates daily active users and events for the last
// 30 days in the window.
func (d *Database) userActivity(filter models.Filter) ([]models.DailyActivity, error) {
	query := `SELECT DATE(timestamp/1000, 'unixepoch') AS date,
	                 COUNT(DISTINCT user_id) AS users,
	                 COUNT(*) AS events
	          FROM events WHERE user_id IS NOT NULL`
	args := []any{}
	if filter.StartTime > 0 {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime)
	}
	query += " GROUP BY date ORDER BY date DESC LIMIT 30"

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user activity: %w", err)
	}
	defer rows.Close()

	var activity []models.DailyActivity
	for rows.Next() {
		var day models.DailyActivity
		if err := rows.Scan(&day.Date, &day.Users, &day.Events); err != nil {
			return nil, fmt.Errorf("failed to scan user activity: %w", err)
		}
		activity = append(activity, day)
	}
	return activity, rows.Err()
}

// filterClause builds the WHERE clause for the shared event filters.
// Argument order must match filterArgs.
func filterClause(filter models.Filter, timeColumn string) string {
	var clauses []string
	if filter.StartTime > 0 {
		clauses = append(clauses, timeColumn+" >= ?")
	}
	if filter.EndTime > 0 {
		clauses = append(clauses, timeColumn+" <= ?")
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
	}
	if filter.Page != "" {
		clauses = append(clauses, "page = ?")
	}
	if filter.EventType != "" {
		clauses = append(clauses, "type = ?")
	}
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

func filterArgs(filter models.Filter) []any {
	args := []any{}
	if filter.StartTime > 0 {
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		args = append(args, filter.EndTime)
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
	}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
	}
	if filter.Page != "" {
		args = append(args, filter.Page)
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
	}
	return args
}

func rangeArgs(filter models.Filter) []any {
	return filterArgs(models.Filter{StartTime: filter.StartTime, EndTime: filter.EndTime})
}

func andWhere(query, condition string) string {
	if strings.Contains(query, " WHERE ") {
		return query + " AND " + condition
	}
	return query + " WHERE " + condition
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
