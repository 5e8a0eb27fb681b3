// Package sqlite persists the per-stream session audit trail: one row per
// stream session and one row per emitted group, queryable after the fact.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	protocol_path TEXT NOT NULL,
	trajectory    TEXT NOT NULL,
	channels      INTEGER NOT NULL,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	outcome       TEXT
);
CREATE TABLE IF NOT EXISTS group_emissions (
	group_id     TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(session_id),
	slice        INTEGER NOT NULL,
	contrast     INTEGER NOT NULL,
	repetition   INTEGER NOT NULL,
	record_count INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_emissions_session ON group_emissions(session_id, created_at);
`

// Session is one stream-processing run.
type Session struct {
	SessionID    string `json:"session_id"`
	ProtocolPath string `json:"protocol_path"`
	Trajectory   string `json:"trajectory"`
	Channels     int    `json:"channels"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   int64  `json:"finished_at,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
}

// GroupEmission records one emitted group and how its reconstruction went.
type GroupEmission struct {
	GroupID     string `json:"group_id"`
	SessionID   string `json:"session_id"`
	Slice       int    `json:"slice"`
	Contrast    int    `json:"contrast"`
	Repetition  int    `json:"repetition"`
	RecordCount int    `json:"record_count"`
	Outcome     string `json:"outcome"`
	DurationMS  int64  `json:"duration_ms"`
	CreatedAt   int64  `json:"created_at"`
}

// SessionStore provides persistence for stream sessions and group emissions.
type SessionStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path and ensures the
// schema exists.
func Open(path string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SessionStore{db: db}, nil
}

// NewSessionStore wraps an existing database handle; the schema must already
// exist. Used by tests that share an in-memory handle.
func NewSessionStore(db *sql.DB) (*SessionStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SessionStore{db: db}, nil
}

// Close releases the database handle.
func (s *SessionStore) Close() error { return s.db.Close() }

// BeginSession persists a new session row. If SessionID is empty a UUID is
// generated.
func (s *SessionStore) BeginSession(sess *Session) error {
	if sess.SessionID == "" {
		sess.SessionID = uuid.New().String()
	}
	if sess.StartedAt == 0 {
		sess.StartedAt = time.Now().UnixNano()
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO sessions (session_id, protocol_path, trajectory, channels, started_at)
			VALUES (?, ?, ?, ?, ?)`,
			sess.SessionID, sess.ProtocolPath, sess.Trajectory, sess.Channels, sess.StartedAt,
		)
		return err
	})
}

// FinishSession closes the session row with an outcome ("ok" or an error
// summary).
func (s *SessionStore) FinishSession(sessionID, outcome string) error {
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE sessions SET finished_at = ?, outcome = ? WHERE session_id = ?`,
			time.Now().UnixNano(), outcome, sessionID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("session %s not found", sessionID)
		}
		return nil
	})
}

// InsertEmission persists one group emission.
func (s *SessionStore) InsertEmission(e *GroupEmission) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixNano()
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO group_emissions (
				group_id, session_id, slice, contrast, repetition,
				record_count, outcome, duration_ms, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.GroupID, e.SessionID, e.Slice, e.Contrast, e.Repetition,
			e.RecordCount, e.Outcome, e.DurationMS, e.CreatedAt,
		)
		return err
	})
}

// ListEmissions returns all emissions of a session in emission order.
func (s *SessionStore) ListEmissions(sessionID string) ([]*GroupEmission, error) {
	rows, err := s.db.Query(`
		SELECT group_id, session_id, slice, contrast, repetition,
		       record_count, outcome, duration_ms, created_at
		FROM group_emissions
		WHERE session_id = ?
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query emissions: %w", err)
	}
	defer rows.Close()

	var out []*GroupEmission
	for rows.Next() {
		var e GroupEmission
		if err := rows.Scan(
			&e.GroupID, &e.SessionID, &e.Slice, &e.Contrast, &e.Repetition,
			&e.RecordCount, &e.Outcome, &e.DurationMS, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan emission row: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetSession returns a single session by ID.
func (s *SessionStore) GetSession(sessionID string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT session_id, protocol_path, trajectory, channels, started_at, finished_at, outcome
		FROM sessions WHERE session_id = ?`, sessionID)

	var sess Session
	var finished sql.NullInt64
	var outcome sql.NullString
	err := row.Scan(&sess.SessionID, &sess.ProtocolPath, &sess.Trajectory,
		&sess.Channels, &sess.StartedAt, &finished, &outcome)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s not found", sessionID)
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if finished.Valid {
		sess.FinishedAt = finished.Int64
	}
	if outcome.Valid {
		sess.Outcome = outcome.String
	}
	return &sess, nil
}

// isSQLiteBusy reports whether err is a transient SQLITE_BUSY condition.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy retries fn with backoff while it reports SQLITE_BUSY.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	delay := 10 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
