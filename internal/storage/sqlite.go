package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/vincentbai/pagepulse/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// SQLiteStore is the primary backend: transactional, with secondary
// indexes on timestamp, session and the synced flag.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the indexed event store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createLocalTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func createLocalTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events(
	  id          TEXT PRIMARY KEY,
	  session_id  TEXT    NOT NULL,
	  user_id     TEXT,
	  type        TEXT    NOT NULL,
	  page        TEXT    NOT NULL,
	  timestamp   INTEGER NOT NULL,
	  data_json   TEXT    NOT NULL CHECK (json_valid(data_json)),
	  synced      BOOLEAN NOT NULL DEFAULT 0,
	  retry_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts      ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_synced  ON events(synced);

	CREATE TABLE IF NOT EXISTS sessions(
	  id         TEXT PRIMARY KEY,
	  user_id    TEXT,
	  start_time INTEGER NOT NULL,
	  end_time   INTEGER,
	  user_agent TEXT    NOT NULL,
	  referrer   TEXT,
	  is_active  BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);

	CREATE TABLE IF NOT EXISTS users(
	  id               TEXT PRIMARY KEY,
	  first_seen       INTEGER NOT NULL,
	  last_seen        INTEGER NOT NULL,
	  session_count    INTEGER NOT NULL DEFAULT 1,
	  total_time_spent INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_status(
	  id               TEXT PRIMARY KEY,
	  is_online        BOOLEAN NOT NULL,
	  last_sync_time   INTEGER NOT NULL,
	  pending_events   INTEGER NOT NULL,
	  failed_events    INTEGER NOT NULL,
	  sync_in_progress BOOLEAN NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(event models.Event) error {
	jsonData, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events(id, session_id, user_id, type, page, timestamp, data_json, synced, retry_count)
		 VALUES(?,?,?,?,?,?,json(?),?,?)`,
		event.ID, event.SessionID, nullable(event.UserID), event.Type, event.Page,
		event.Timestamp, string(jsonData), event.Synced, event.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(limit, offset int) ([]models.Event, error) {
	query := `SELECT id, session_id, user_id, type, page, timestamp, data_json, synced, retry_count
	          FROM events ORDER BY timestamp DESC`
	args := []any{}
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

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) ListUnsynced() ([]models.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, user_id, type, page, timestamp, data_json, synced, retry_count
		 FROM events WHERE synced = 0 ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) MarkSynced(ids []string) error {
	return s.updateByID(ids, `UPDATE events SET synced = 1 WHERE id = ?`)
}

func (s *SQLiteStore) IncrementRetry(ids []string) error {
	return s.updateByID(ids, `UPDATE events SET retry_count = retry_count + 1 WHERE id = ?`)
}

func (s *SQLiteStore) updateByID(ids []string, query string) error {
	if len(ids) == 0 {
		return nil
	}
	transaction, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.Prepare(query)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, id := range ids {
		if _, err := statement.Exec(id); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ActiveSession() (models.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, start_time, end_time, user_agent, referrer, is_active
		 FROM sessions WHERE is_active = 1 ORDER BY start_time DESC LIMIT 1`)
	return scanSession(row)
}

func (s *SQLiteStore) PutSession(session models.Session) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions(id, user_id, start_time, end_time, user_agent, referrer, is_active)
		 VALUES(?,?,?,?,?,?,?)`,
		session.ID, nullable(session.UserID), session.StartTime, nullableInt(session.EndTime),
		session.UserAgent, nullable(session.Referrer), session.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) User(id string) (models.User, error) {
	var user models.User
	err := s.db.QueryRow(
		`SELECT id, first_seen, last_seen, session_count, total_time_spent FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.FirstSeen, &user.LastSeen, &user.SessionCount, &user.TotalTimeSpent)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) PutUser(user models.User) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO users(id, first_seen, last_seen, session_count, total_time_spent)
		 VALUES(?,?,?,?,?)`,
		user.ID, user.FirstSeen, user.LastSeen, user.SessionCount, user.TotalTimeSpent,
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SyncStatus() (models.SyncStatus, error) {
	var status models.SyncStatus
	err := s.db.QueryRow(
		`SELECT is_online, last_sync_time, pending_events, failed_events, sync_in_progress
		 FROM sync_status WHERE id = 'current'`,
	).Scan(&status.IsOnline, &status.LastSyncTime, &status.PendingEvents,
		&status.FailedEvents, &status.SyncInProgress)
	if err == sql.ErrNoRows {
		return models.SyncStatus{}, ErrNotFound
	}
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("failed to query sync status: %w", err)
	}
	return status, nil
}

func (s *SQLiteStore) PutSyncStatus(status models.SyncStatus) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sync_status(id, is_online, last_sync_time, pending_events, failed_events, sync_in_progress)
		 VALUES('current',?,?,?,?,?)`,
		status.IsOnline, status.LastSyncTime, status.PendingEvents,
		status.FailedEvents, status.SyncInProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to save sync status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneOlderThan(timestamp int64) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE synced = 1 AND timestamp < ?`, timestamp)
	if err != nil {
		return fmt.Errorf("failed to prune events: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var event models.Event
		var userID sql.NullString
		var dataJSON string
		if err := rows.Scan(&event.ID, &event.SessionID, &userID, &event.Type, &event.Page,
			&event.Timestamp, &dataJSON, &event.Synced, &event.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.UserID = userID.String
		if err := json.Unmarshal([]byte(dataJSON), &event.Data); err != nil {
			// LocalParseFailure: skip the single bad row, keep the rest.
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

func scanSession(row *sql.Row) (models.Session, error) {
	var session models.Session
	var userID, referrer sql.NullString
	var endTime sql.NullInt64
	err := row.Scan(&session.ID, &userID, &session.StartTime, &endTime,
		&session.UserAgent, &referrer, &session.IsActive)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to query session: %w", err)
	}
	session.UserID = userID.String
	session.Referrer = referrer.String
	session.EndTime = endTime.Int64
	return session, nil
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
