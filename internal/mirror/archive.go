package mirror

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// BatchSize is the number of rows committed per transaction.
const BatchSize = 256

// Archive stores lines in a SQLite database. Rows become visible to other
// readers when a batch is committed and on Close.
type Archive struct {
	mu      sync.Mutex
	db      *sql.DB
	tx      *sql.Tx
	insert  *sql.Stmt
	runID   string
	seq     int64
	pending int
	closed  bool
}

// OpenArchive creates or opens the database at path. Existing rows of other
// runs are kept.
func OpenArchive(path, runID string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to archive %s: %w", path, err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	a := &Archive{db: db, runID: runID}
	if err := a.begin(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (a *Archive) begin() error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO events (run_id, seq, stream, line) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare archive insert: %w", err)
	}
	a.tx, a.insert, a.pending = tx, stmt, 0
	return nil
}

func (a *Archive) commit() error {
	_ = a.insert.Close()
	if err := a.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive batch: %w", err)
	}
	return nil
}

func (a *Archive) Mirror(stream, line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	a.seq++
	if _, err := a.insert.Exec(a.runID, a.seq, stream, line); err != nil {
		return fmt.Errorf("failed to archive line %d: %w", a.seq, err)
	}
	a.pending++
	if a.pending < BatchSize {
		return nil
	}
	if err := a.commit(); err != nil {
		return err
	}
	return a.begin()
}

// Close commits pending rows and closes the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return errors.Join(a.commit(), a.db.Close())
}

// Lines returns the archived lines of one stream of a run in write order.
func Lines(ctx context.Context, path, runID, stream string) ([]string, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT line FROM events WHERE run_id = ? AND stream = ? ORDER BY seq`, runID, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan archived line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
