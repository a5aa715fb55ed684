// Package storage persists session history and a capped protocol traffic log
// in SQLite. Breakpoints and watches are owned by UI collaborators and are
// deliberately not stored here.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    target_file TEXT NOT NULL,
    inspect_port INTEGER NOT NULL,
    proxy_port INTEGER NOT NULL,
    ws_url TEXT NOT NULL,
    pid INTEGER,
    status TEXT NOT NULL,
    token_hash BLOB,
    created_at INTEGER NOT NULL,
    stopped_at INTEGER
);

CREATE TABLE IF NOT EXISTS traffic_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    method TEXT NOT NULL,
    message_id INTEGER NOT NULL,
    size INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_traffic_session ON traffic_log(session_id);
`

// maxTrafficRows caps the traffic log per session; older rows are pruned.
const maxTrafficRows = 10000

// SessionRecord is one row of session history.
type SessionRecord struct {
	SessionID   string
	TargetFile  string
	InspectPort int
	ProxyPort   int
	WsURL       string
	PID         *int
	Status      string
	TokenHash   []byte
	CreatedAt   time.Time
	StoppedAt   *time.Time
}

// TrafficEntry is one relayed frame's bookkeeping (never the payload itself).
type TrafficEntry struct {
	SessionID string
	Direction string
	Method    string
	MessageID uint64
	Size      int
}

// Store manages the SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	mu      sync.Mutex
	pruneAt map[string]int // per-session insert counter driving pruning
}

// NewStore opens (or creates) the database at path.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	s := &Store{
		db:      db,
		logger:  logger.With().Str("component", "storage").Logger(),
		pruneAt: make(map[string]int),
	}
	s.logger.Info().Str("path", path).Msg("storage initialized")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSessionStart inserts a new session row.
func (s *Store) RecordSessionStart(rec SessionRecord) error {
	var pid any
	if rec.PID != nil {
		pid = *rec.PID
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, target_file, inspect_port, proxy_port, ws_url, pid, status, token_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TargetFile, rec.InspectPort, rec.ProxyPort, rec.WsURL,
		pid, rec.Status, rec.TokenHash, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// ActivateSession fills in the fields discovered during bring-up on a row
// created in the starting state.
func (s *Store) ActivateSession(sessionID, wsURL string, pid *int, tokenHash []byte, status string) error {
	var p any
	if pid != nil {
		p = *pid
	}
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, ws_url = ?, pid = ?, token_hash = ? WHERE session_id = ?`,
		status, wsURL, p, tokenHash, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to activate session: %w", err)
	}
	return nil
}

// RecordSessionStop marks a session stopped.
func (s *Store) RecordSessionStop(sessionID, status string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, stopped_at = ? WHERE session_id = ?`,
		status, at.Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to record session stop: %w", err)
	}
	return nil
}

// TokenHash returns the stored token hash for a session, or nil when unknown.
func (s *Store) TokenHash(sessionID string) ([]byte, error) {
	var hash []byte
	err := s.db.QueryRow(
		`SELECT token_hash FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return hash, nil
}

// ListSessions returns session history, newest first.
func (s *Store) ListSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT session_id, target_file, inspect_port, proxy_port, ws_url, pid, status, created_at, stopped_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var pid sql.NullInt64
		var createdAt int64
		var stoppedAt sql.NullInt64
		if err := rows.Scan(&rec.SessionID, &rec.TargetFile, &rec.InspectPort, &rec.ProxyPort,
			&rec.WsURL, &pid, &rec.Status, &createdAt, &stoppedAt); err != nil {
			return nil, err
		}
		if pid.Valid {
			p := int(pid.Int64)
			rec.PID = &p
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		if stoppedAt.Valid {
			t := time.Unix(stoppedAt.Int64, 0).UTC()
			rec.StoppedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordTraffic appends one traffic entry, pruning old rows periodically.
func (s *Store) RecordTraffic(e TrafficEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO traffic_log (session_id, direction, method, message_id, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Direction, e.Method, int64(e.MessageID), e.Size, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record traffic: %w", err)
	}

	s.mu.Lock()
	s.pruneAt[e.SessionID]++
	due := s.pruneAt[e.SessionID]%1000 == 0
	s.mu.Unlock()
	if due {
		s.pruneTraffic(e.SessionID)
	}
	return nil
}

// TrafficCount returns how many traffic rows a session has.
func (s *Store) TrafficCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM traffic_log WHERE session_id = ?`, sessionID,
	).Scan(&n)
	return n, err
}

func (s *Store) pruneTraffic(sessionID string) {
	_, err := s.db.Exec(`
		DELETE FROM traffic_log WHERE session_id = ? AND id NOT IN (
			SELECT id FROM traffic_log WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`, sessionID, sessionID, maxTrafficRows)
	if err != nil {
		s.logger.Warn().Err(err).Str("session", sessionID).Msg("traffic prune failed")
	}
}
