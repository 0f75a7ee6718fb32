// Package history provides a local SQLite audit trail of processed ledger
// events and CRL builds. It is derived data only: the ledger stays the single
// source of truth and this database can be deleted at any time without losing
// anything.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver
)

// Event is one processed ledger event.
type Event struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"` // "issuance" or "revocation"
	Identity string    `json:"identity"`
	Serial   string    `json:"serial,omitempty"`
	Outcome  string    `json:"outcome"` // "issued", "denied", "failed", ...
	Detail   string    `json:"detail,omitempty"`
	ID       int64     `json:"id"`
	EntryID  int       `json:"entryId"`
}

// BuildSummary is one CRL build.
type BuildSummary struct {
	At           time.Time `json:"at"`
	ID           int64     `json:"id"`
	TotalIssued  int       `json:"totalIssued"`
	TotalRevoked int       `json:"totalRevoked"`
}

// Store persists events and build summaries to SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs
// migrations. Use ":memory:" for an in-memory database (useful for tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordEvent appends one processed event.
func (s *Store) RecordEvent(e Event) error {
	_, err := s.db.Exec(
		"INSERT INTO events (at, entry_id, kind, identity, serial, outcome, detail) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.At, e.EntryID, e.Kind, e.Identity, e.Serial, e.Outcome, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// RecordBuild appends one CRL build summary.
func (s *Store) RecordBuild(at time.Time, totalIssued, totalRevoked int) error {
	_, err := s.db.Exec(
		"INSERT INTO builds (at, total_issued, total_revoked) VALUES (?, ?, ?)",
		at, totalIssued, totalRevoked,
	)
	if err != nil {
		return fmt.Errorf("inserting build: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT id, at, entry_id, kind, identity, serial, outcome, detail FROM events ORDER BY at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.At, &e.EntryID, &e.Kind, &e.Identity, &e.Serial, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListBuilds returns the most recent build summaries, newest first.
func (s *Store) ListBuilds(limit int) ([]BuildSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT id, at, total_issued, total_revoked FROM builds ORDER BY at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var builds []BuildSummary
	for rows.Next() {
		var b BuildSummary
		if err := rows.Scan(&b.ID, &b.At, &b.TotalIssued, &b.TotalRevoked); err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}
