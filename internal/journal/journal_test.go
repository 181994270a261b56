package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func setupTestJournal(t *testing.T) (*Journal, *sql.DB, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "atlas-journal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open db: %v", err)
	}
	ctx := context.Background()
	j, err := Open(ctx, db, Config{DBPath: dbPath})
	if err != nil {
		db.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open journal: %v", err)
	}
	return j, db, func() {
		j.Close()
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestOpenEnablesWALAndReachesReady(t *testing.T) {
	j, db, cleanup := setupTestJournal(t)
	defer cleanup()

	if j.State() != StateReady {
		t.Fatalf("expected READY after Open, got %s", j.State())
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected journal_mode=wal, got %s", mode)
	}
}

func TestAppendWritesJournalRecordWithinTransaction(t *testing.T) {
	j, db, cleanup := setupTestJournal(t)
	defer cleanup()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}
	if err := j.Append(ctx, tx, Record{Kind: "CREATE", Path: "proj/task-1", Payload: []byte("{}"), CreatedAt: 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM journal_log WHERE path = ?", "proj/task-1").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 journal record, got %d", count)
	}
}

func TestIntegrityCheckPassesOnFreshDatabase(t *testing.T) {
	j, _, cleanup := setupTestJournal(t)
	defer cleanup()

	if err := j.IntegrityCheck(context.Background()); err != nil {
		t.Fatalf("expected fresh database to pass integrity check, got %v", err)
	}
}

func TestCheckpointPassiveSucceedsAfterCommit(t *testing.T) {
	j, db, cleanup := setupTestJournal(t)
	defer cleanup()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := j.Append(ctx, tx, Record{Kind: "CREATE", Path: "proj/task-1", CreatedAt: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	result, err := j.Checkpoint(ctx, CheckpointPassive)
	if err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if result.Attempts < 1 {
		t.Fatalf("expected at least one checkpoint attempt, got %d", result.Attempts)
	}
	if j.State() != StateReady {
		t.Fatalf("expected journal to return to READY after checkpoint, got %s", j.State())
	}

	manifestPath := j.manifestPath()
	if _, err := os.Stat(manifestPath); err != nil {
		t.Fatalf("expected checkpoint manifest to be written: %v", err)
	}
}

func TestCloseTransitionsToClosed(t *testing.T) {
	j, db, _ := setupTestJournal(t)
	defer db.Close()

	if err := j.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if j.State() != StateClosed {
		t.Fatalf("expected CLOSED after Close, got %s", j.State())
	}
}
