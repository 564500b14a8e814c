// Package history records the outcome of every sanitization run in a
// local sqlite database, so operators can answer "when was this capture
// scrubbed, with what policy, and how much survived" long after the logs
// are gone.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/capscrub/internal/clock"
	"grimm.is/capscrub/internal/stats"
)

// Entry is one processed file.
type Entry struct {
	ID        int64              `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Input     string             `json:"input"`
	Output    string             `json:"output"`
	Outcome   string             `json:"outcome"`
	Error     string             `json:"error,omitempty"`
	Marker    *stats.MarkerStats `json:"marker,omitempty"`
	Masking   stats.MaskingStats `json:"masking"`
}

// Store persists run history.
type Store struct {
	mu    sync.RWMutex
	db    *sql.DB
	clock clock.Clock
}

// NewStore opens (or creates) the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			marker TEXT,
			masking TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_runs_input ON runs(input);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	return &Store{db: db, clock: &clock.RealClock{}}, nil
}

// SetClock swaps the time source, used by tests.
func (s *Store) SetClock(c clock.Clock) {
	s.clock = c
}

// Record persists one entry. A zero or implausibly old timestamp is
// replaced with the clock's now.
func (s *Store) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !clock.IsReasonableTime(e.Timestamp) {
		e.Timestamp = s.clock.Now()
	}

	var markerJSON []byte
	if e.Marker != nil {
		markerJSON, _ = json.Marshal(e.Marker)
	}
	maskingJSON, err := json.Marshal(e.Masking)
	if err != nil {
		return fmt.Errorf("encode masking stats: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (timestamp, input, output, outcome, error, marker, masking)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.Input, e.Output, e.Outcome, e.Error, string(markerJSON), string(maskingJSON))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// List returns entries newest first, optionally filtered by input path.
func (s *Store) List(input string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, timestamp, input, output, outcome, error, marker, masking FROM runs WHERE 1=1"
	var args []any
	if input != "" {
		query += " AND input = ?"
		args = append(args, input)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var errMsg, markerJSON sql.NullString
		var maskingJSON string

		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Input, &e.Output,
			&e.Outcome, &errMsg, &markerJSON, &maskingJSON); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if errMsg.Valid {
			e.Error = errMsg.String
		}
		if markerJSON.Valid && markerJSON.String != "" {
			var ms stats.MarkerStats
			if json.Unmarshal([]byte(markerJSON.String), &ms) == nil {
				e.Marker = &ms
			}
		}
		json.Unmarshal([]byte(maskingJSON), &e.Masking)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune removes entries older than the cutoff and reports how many.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM runs WHERE timestamp < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the number of stored entries.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count)
	return count, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
