package journal

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS patch_events (
	id      TEXT PRIMARY KEY,
	kind    TEXT NOT NULL,
	code    TEXT NOT NULL,
	address INTEGER NOT NULL,
	old     INTEGER NOT NULL,
	new     INTEGER NOT NULL,
	time    INTEGER NOT NULL
)`

// SQLite stores events in a SQLite database, one row per event.
// Addresses are stored as their signed 64-bit bit pattern.
type SQLite struct {
	db     *sql.DB
	insert *sql.Stmt
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	insert, err := db.Prepare(`INSERT INTO patch_events (id, kind, code, address, old, new, time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: prepare insert: %w", err)
	}
	return &SQLite{db: db, insert: insert}, nil
}

// Record inserts e.
func (s *SQLite) Record(e Event) error {
	_, err := s.insert.Exec(e.ID.String(), string(e.Kind), e.Code,
		int64(e.Address), int64(e.Old), int64(e.New), e.Time)
	if err != nil {
		return fmt.Errorf("journal: insert event %s: %w", e.ID, err)
	}
	return nil
}

// Events returns all stored events in insertion order.
func (s *SQLite) Events() ([]Event, error) {
	rows, err := s.db.Query(`SELECT id, kind, code, address, old, new, time
		FROM patch_events ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("journal: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			id, kind, code     string
			addr, old, new, ts int64
		)
		if err := rows.Scan(&id, &kind, &code, &addr, &old, &new, &ts); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("journal: bad event id %q: %w", id, err)
		}
		events = append(events, Event{
			ID:      parsed,
			Kind:    Kind(kind),
			Code:    code,
			Address: uint64(addr),
			Old:     uint64(old),
			New:     uint64(new),
			Time:    ts,
		})
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	s.insert.Close()
	return s.db.Close()
}
