// Package store implements the Task Store (component C2): durable CRUD and
// scan operations over tasks and their dependency edges, backed by SQLite in
// WAL mode through the journal package. It owns the single-writer discipline
// (an exclusive file lock per database, matching the teacher's sync-time
// flock.TryLock usage) and wraps every database/sql error into the engine's
// apperr taxonomy.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/journal"
	"github.com/atlas-mcp/taskengine/internal/logging"
)

// Store is the durable task store for a single database file.
type Store struct {
	db      *sql.DB
	journal *journal.Journal
	lock    *flock.Flock
	logger  *logging.Logger
	dbPath  string
}

// Config configures Open.
type Config struct {
	DBPath     string
	Durability journal.Durability
	Logger     *logging.Logger
}

// Open opens (creating if necessary) the database at cfg.DBPath, acquires
// the single-writer lock, runs the schema migration, and attaches a journal.
// Mirrors the teacher's own sync-lock discipline (cmd/bd/sync.go: flock.New +
// TryLock guarding a shared file against concurrent corruption), applied here
// at the store level since every write to this engine goes through it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "store.Open", "create database directory", err, nil)
	}

	lock := flock.New(cfg.DBPath + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLockTimeout, "store.Open", "acquire single-writer lock", err, nil)
	}
	if !locked {
		return nil, apperr.New(apperr.KindLockTimeout, "store.Open", "another process already holds the write lock", map[string]any{"path": cfg.DBPath})
	}

	// foreign_keys is per-connection state in SQLite, so it is set via the
	// DSN (the teacher's own freshness_test.go opens secondary connections
	// the same way) rather than a one-shot PRAGMA, guaranteeing every
	// connection in the pool enforces it -- required for cascading deletes
	// (spec §3's "Deleting a task ... cascades to all descendants").
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", cfg.DBPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, apperr.Wrap(apperr.KindStorageIO, "store.Open", "open database", err, nil)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; readers share the one WAL-mode connection

	jrn, err := journal.Open(ctx, db, journal.Config{DBPath: cfg.DBPath, Durability: cfg.Durability, Logger: cfg.Logger})
	if err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, apperr.Wrap(apperr.KindStorageIO, "store.Open", "apply schema", err, nil)
	}

	return &Store{db: db, journal: jrn, lock: lock, logger: cfg.Logger, dbPath: cfg.DBPath}, nil
}

// Close checkpoints the journal, closes the database, and releases the
// write lock.
func (s *Store) Close(ctx context.Context) error {
	if _, err := s.journal.Checkpoint(ctx, journal.CheckpointTruncate); err != nil {
		s.logger.Warn("store.Close", "final checkpoint failed", map[string]any{"error": err.Error()})
	}
	if err := s.journal.Close(); err != nil {
		s.logger.Warn("store.Close", "journal close failed", map[string]any{"error": err.Error()})
	}
	closeErr := s.db.Close()
	unlockErr := s.lock.Unlock()
	if closeErr != nil {
		return apperr.Wrap(apperr.KindStorageIO, "store.Close", "close database", closeErr, nil)
	}
	if unlockErr != nil {
		return apperr.Wrap(apperr.KindStorageIO, "store.Close", "release write lock", unlockErr, nil)
	}
	return nil
}

// Journal exposes the underlying journal for checkpoint-triggering callers
// (the coordinator's background maintenance loop).
func (s *Store) Journal() *journal.Journal { return s.journal }

// wrapSQLErr classifies a raw database/sql error into the apperr taxonomy,
// matching the teacher's single wrapDBError chokepoint per storage package.
func wrapSQLErr(operation string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return apperr.New(apperr.KindNotFound, operation, "no matching row", nil)
	}
	return apperr.Wrap(apperr.KindStorageIO, operation, "database operation failed", err, nil)
}
