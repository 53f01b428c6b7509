// Package history is the SQLite-backed run ledger. Every supervised run
// leaves one row, which `qforge history` lists and the non-self-
// consistent prior-state check consults.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistence layer.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (creating if needed) the ledger at path and applies the
// schema migration.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Record is one supervised run.
type Record struct {
	ID             int64
	Prefix         string
	Kind           string
	DeckPath       string
	Status         string
	Classification string
	ExitCode       int
	StdoutPath     string
	StderrPath     string
	StartedAt      time.Time
	Elapsed        time.Duration
}

// Insert stores a run record and returns its id.
func (s *Store) Insert(ctx context.Context, r *Record) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (prefix, kind, deck_path, status, classification,
			exit_code, stdout_path, stderr_path, started_at, elapsed_secs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Prefix, r.Kind, r.DeckPath, r.Status, r.Classification,
		r.ExitCode, r.StdoutPath, r.StderrPath,
		r.StartedAt.UTC().Format(time.RFC3339), r.Elapsed.Seconds())
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prefix, kind, deck_path, status, classification,
			exit_code, stdout_path, stderr_path, started_at, elapsed_secs
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r       Record
			started string
			secs    float64
		)
		if err := rows.Scan(&r.ID, &r.Prefix, &r.Kind, &r.DeckPath, &r.Status,
			&r.Classification, &r.ExitCode, &r.StdoutPath, &r.StderrPath,
			&started, &secs); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.Elapsed = time.Duration(secs * float64(time.Second))
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasConvergedSCF reports whether a converged self-consistent run is on
// record for the prefix. Satisfies the parameter deriver's prior-state
// check.
func (s *Store) HasConvergedSCF(prefix string) bool {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(1) FROM runs
		WHERE prefix = ? AND kind = 'scf' AND classification = 'converged'`,
		prefix).Scan(&n)
	return err == nil && n > 0
}
