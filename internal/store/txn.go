package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// Tx is an explicit transaction handle satisfying spec §4.2's
// beginTransaction/write/delete/commit/rollback contract, for callers (the
// coordinator's batch operations) that need several task mutations to land
// atomically in one BEGIN IMMEDIATE transaction instead of one per call.
// State-machine propagation does not run inside a Tx.
type Tx struct {
	ctx    context.Context
	conn   *sql.Conn
	store  *Store
	closed bool
}

// BeginTransaction starts a BEGIN IMMEDIATE transaction against the store,
// matching spec §4.2's beginTransaction contract. Writes issued through the
// returned Tx are buffered by SQLite's own transaction isolation and become
// visible to other readers only on Commit.
func (s *Store) BeginTransaction(ctx context.Context) (*Tx, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "store.BeginTransaction", "acquire connection", err, nil)
	}
	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		conn.Close()
		return nil, err
	}
	// Foreign keys are checked at COMMIT instead of per statement, so a
	// batch may insert a child before its parent.
	if _, err := conn.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		conn.Close()
		return nil, apperr.Wrap(apperr.KindStorageIO, "store.BeginTransaction", "defer foreign keys", err, nil)
	}
	return &Tx{ctx: ctx, conn: conn, store: s}, nil
}

// Create inserts task as part of tx.
func (tx *Tx) Create(task *types.Task) error {
	return createTaskTx(tx.ctx, tx.conn, tx.store.journal, task)
}

// Update applies a version-checked update to task as part of tx.
// expectedVersion of 0 disables the optimistic-concurrency check.
func (tx *Tx) Update(task *types.Task, expectedVersion int64) error {
	return updateTaskTx(tx.ctx, tx.conn, tx.store.journal, task, expectedVersion)
}

// Delete removes a task as part of tx.
func (tx *Tx) Delete(path string, cascade bool) error {
	return deleteTaskTx(tx.ctx, tx.conn, tx.store.journal, path, cascade)
}

// Get reads path within tx, observing this transaction's own writes.
func (tx *Tx) Get(path string) (*types.Task, error) {
	t, err := getTask(tx.ctx, tx.conn, path)
	if err != nil {
		return nil, wrapSQLErr("store.Tx.Get", err)
	}
	return t, nil
}

// Commit commits tx via the journal-backed connection.
func (tx *Tx) Commit() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	defer tx.conn.Close()
	if _, err := tx.conn.ExecContext(tx.ctx, "COMMIT"); err != nil {
		return apperr.Wrap(apperr.KindTransactionAborted, "store.Tx.Commit", "commit failed", err, nil)
	}
	return nil
}

// Rollback discards tx's buffered writes.
func (tx *Tx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	defer tx.conn.Close()
	if _, err := tx.conn.ExecContext(tx.ctx, "ROLLBACK"); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "store.Tx.Rollback", "rollback failed", err, nil)
	}
	return nil
}

// DirtyPaths returns every path marked dirty since the last ClearDirty,
// backing internal/backup's incremental-export mode.
func (s *Store) DirtyPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM dirty_tasks ORDER BY marked_at`)
	if err != nil {
		return nil, wrapSQLErr("store.DirtyPaths", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, wrapSQLErr("store.DirtyPaths", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearDirty empties the dirty set, called after a successful incremental
// export.
func (s *Store) ClearDirty(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dirty_tasks`); err != nil {
		return wrapSQLErr("store.ClearDirty", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB for maintenance operations
// (vacuumDatabase) that have no place in the task-shaped API.
func (s *Store) DB() *sql.DB { return s.db }
