package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/journal"
	"github.com/atlas-mcp/taskengine/internal/types"
	"github.com/atlas-mcp/taskengine/internal/validation"
)

// Get fetches a single task by exact path.
func (s *Store) Get(ctx context.Context, path string) (*types.Task, error) {
	return getTask(ctx, s.db, path)
}

func getTask(ctx context.Context, q querier, path string) (*types.Task, error) {
	row := q.QueryRowContext(ctx, `
		SELECT path, name, type, status, parent_path, project_path, description,
		       reasoning, notes, metadata, status_metadata, created_at, updated_at, version
		FROM tasks WHERE path = ?`, path)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapSQLErr("store.Get", err)
	}
	deps, err := dependenciesOf(ctx, q, path)
	if err != nil {
		return nil, err
	}
	task.Dependencies = deps
	return task, nil
}

// MultiGet fetches several tasks by path, skipping any that do not exist.
func (s *Store) MultiGet(ctx context.Context, paths []string) ([]*types.Task, error) {
	out := make([]*types.Task, 0, len(paths))
	for _, p := range paths {
		t, err := s.Get(ctx, p)
		if err != nil {
			if kind, ok := apperr.KindOf(err); ok && kind == apperr.KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ScanFilter narrows a Scan to a path pattern and/or status.
type ScanFilter struct {
	PathGlob string // SQLite GLOB pattern, e.g. "proj/*"; empty matches all
	Status   types.Status
	Limit    int
	Offset   int
}

// Scan returns tasks matching filter, ordered by path so that Limit/Offset
// pages are deterministic (spec §4.3's scan contract).
func (s *Store) Scan(ctx context.Context, filter ScanFilter) ([]*types.Task, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT path, name, type, status, parent_path, project_path, description,
		reasoning, notes, metadata, status_metadata, created_at, updated_at, version FROM tasks WHERE 1=1`)
	var args []any
	if filter.PathGlob != "" {
		query.WriteString(" AND path GLOB ?")
		args = append(args, filter.PathGlob)
	}
	if filter.Status != "" {
		query.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	query.WriteString(" ORDER BY path")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query.WriteString(" OFFSET ?")
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, wrapSQLErr("store.Scan", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapSQLErr("store.Scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLErr("store.Scan", err)
	}
	for _, t := range out {
		deps, err := dependenciesOf(ctx, s.db, t.Path)
		if err != nil {
			return nil, err
		}
		t.Dependencies = deps
	}
	return out, nil
}

// Children returns the immediate children of parentPath.
func (s *Store) Children(ctx context.Context, parentPath string) ([]*types.Task, error) {
	tasks, err := s.Scan(ctx, ScanFilter{PathGlob: parentPath + "/*"})
	if err != nil {
		return nil, err
	}
	// GLOB's * also matches "/", so deeper descendants are dropped here
	out := tasks[:0]
	for _, t := range tasks {
		if t.ParentPath == parentPath {
			out = append(out, t)
		}
	}
	return out, nil
}

// querier abstracts *sql.DB and *sql.Tx for read helpers shared by both the
// single-statement path and the transactional batch path.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*types.Task, error) {
	var t types.Task
	var notesJSON, metadataJSON, statusMetadataJSON string
	var parentPath sql.NullString
	if err := row.Scan(&t.Path, &t.Name, &t.Type, &t.Status, &parentPath, &t.ProjectPath,
		&t.Description, &t.Reasoning, &notesJSON, &metadataJSON, &statusMetadataJSON,
		&t.Created, &t.Updated, &t.Version); err != nil {
		return nil, err
	}
	t.ParentPath = parentPath.String
	if err := json.Unmarshal([]byte(notesJSON), &t.Notes); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "store.scanTask", "decode notes", err, map[string]any{"path": t.Path})
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageIO, "store.scanTask", "decode metadata", err, map[string]any{"path": t.Path})
		}
	}
	if statusMetadataJSON != "" && statusMetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(statusMetadataJSON), &t.StatusMetadata); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageIO, "store.scanTask", "decode status metadata", err, map[string]any{"path": t.Path})
		}
	}
	return &t, nil
}

func dependenciesOf(ctx context.Context, q querier, path string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_path FROM dependencies WHERE task_path = ? ORDER BY depends_on_path`, path)
	if err != nil {
		return nil, wrapSQLErr("store.dependenciesOf", err)
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, wrapSQLErr("store.dependenciesOf", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// Create inserts a new task and its dependency edges in a single
// transaction, journaling the mutation before commit (spec §4.1/§4.2).
func (s *Store) Create(ctx context.Context, task *types.Task) error {
	return s.withTx(ctx, func(tx *sql.Conn) error {
		return createTaskTx(ctx, tx, s.journal, task)
	})
}

func createTaskTx(ctx context.Context, tx *sql.Conn, jrn *journal.Journal, task *types.Task) error {
	if err := validation.ValidateTask(task); err != nil {
		return err
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE path = ?`, task.Path).Scan(&exists); err != nil {
		return wrapSQLErr("store.Create", err)
	}
	if exists > 0 {
		return apperr.New(apperr.KindDuplicateKey, "store.Create", "task already exists", map[string]any{"path": task.Path})
	}

	now := time.Now().UnixMilli()
	if task.Created == 0 {
		task.Created = now
	}
	task.Updated = now
	task.Version = 1

	notesJSON, metaJSON, statusMetaJSON, err := encodeTaskJSON(task)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (path, name, type, status, parent_path, project_path, description,
			reasoning, notes, metadata, status_metadata, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Path, task.Name, string(task.Type), string(task.Status), task.ParentPath, task.ProjectPath,
		task.Description, task.Reasoning, notesJSON, metaJSON, statusMetaJSON,
		task.Created, task.Updated, task.Version); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "store.Create", "insert task", err, map[string]any{"path": task.Path})
	}

	if err := insertDependencies(ctx, tx, task.Path, task.Dependencies); err != nil {
		return err
	}
	if err := markDirtyTx(ctx, tx, task.Path); err != nil {
		return err
	}

	payload, _ := json.Marshal(task)
	return jrn.Append(ctx, tx, journal.Record{Kind: "CREATE", Path: task.Path, Payload: payload, CreatedAt: now})
}

// markDirtyTx records path in dirty_tasks for internal/backup's incremental
// export mode (SPEC_FULL.md SUPPLEMENTED FEATURES #1), as part of the same
// transaction as the mutation itself.
func markDirtyTx(ctx context.Context, tx *sql.Conn, path string) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO dirty_tasks (path, marked_at) VALUES (?, ?)`, path, time.Now().UnixMilli()); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "store.markDirtyTx", "mark task dirty", err, map[string]any{"path": path})
	}
	return nil
}

func insertDependencies(ctx context.Context, tx *sql.Conn, path string, deps []string) error {
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dependencies (task_path, depends_on_path, created_at) VALUES (?, ?, ?)`,
			path, dep, time.Now().UnixMilli()); err != nil {
			return apperr.Wrap(apperr.KindStorageIO, "store.insertDependencies", "insert dependency edge", err, map[string]any{"path": path, "dependsOn": dep})
		}
	}
	return nil
}

// Update applies a version-checked update to an existing task. expectedVersion
// of 0 disables the optimistic-concurrency check.
func (s *Store) Update(ctx context.Context, task *types.Task, expectedVersion int64) error {
	return s.withTx(ctx, func(tx *sql.Conn) error {
		return updateTaskTx(ctx, tx, s.journal, task, expectedVersion)
	})
}

func updateTaskTx(ctx context.Context, tx *sql.Conn, jrn *journal.Journal, task *types.Task, expectedVersion int64) error {
	if err := validation.ValidateTask(task); err != nil {
		return err
	}
	var currentVersion int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM tasks WHERE path = ?`, task.Path).Scan(&currentVersion); err != nil {
		return wrapSQLErr("store.Update", err)
	}
	if expectedVersion != 0 && currentVersion != expectedVersion {
		return apperr.New(apperr.KindVersionConflict, "store.Update", "task was modified concurrently", map[string]any{
			"path": task.Path, "expected": expectedVersion, "actual": currentVersion,
		})
	}

	task.Updated = time.Now().UnixMilli()
	task.Version = currentVersion + 1
	notesJSON, metaJSON, statusMetaJSON, err := encodeTaskJSON(task)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET name=?, type=?, status=?, parent_path=NULLIF(?, ''), description=?,
			reasoning=?, notes=?, metadata=?, status_metadata=?, updated_at=?, version=?
		WHERE path = ?`,
		task.Name, string(task.Type), string(task.Status), task.ParentPath, task.Description,
		task.Reasoning, notesJSON, metaJSON, statusMetaJSON, task.Updated, task.Version, task.Path); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "store.Update", "update task", err, map[string]any{"path": task.Path})
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE task_path = ?`, task.Path); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "store.Update", "clear dependency edges", err, map[string]any{"path": task.Path})
	}
	if err := insertDependencies(ctx, tx, task.Path, task.Dependencies); err != nil {
		return err
	}
	if err := markDirtyTx(ctx, tx, task.Path); err != nil {
		return err
	}

	payload, _ := json.Marshal(task)
	return jrn.Append(ctx, tx, journal.Record{Kind: "UPDATE", Path: task.Path, Payload: payload, CreatedAt: task.Updated})
}

// Delete removes a task. If cascade is true, every descendant reached through
// parent_path links is removed too via the FK ON DELETE CASCADE on
// parent_path; a task whose path merely starts with path but whose
// parent_path chain does not lead to it is not removed. Otherwise the task
// must have no children or the delete is rejected.
func (s *Store) Delete(ctx context.Context, path string, cascade bool) error {
	return s.withTx(ctx, func(tx *sql.Conn) error {
		return deleteTaskTx(ctx, tx, s.journal, path, cascade)
	})
}

func deleteTaskTx(ctx context.Context, tx *sql.Conn, jrn *journal.Journal, path string, cascade bool) error {
	if !cascade {
		var childCount int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE parent_path = ?`, path).Scan(&childCount); err != nil {
			return wrapSQLErr("store.Delete", err)
		}
		if childCount > 0 {
			return apperr.New(apperr.KindIncompleteSubtasks, "store.Delete", "task has children; use cascade delete", map[string]any{"path": path, "childCount": childCount})
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE path = ?`, path)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "store.Delete", "delete task", err, map[string]any{"path": path})
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "store.Delete", "task not found", map[string]any{"path": path})
	}
	return jrn.Append(ctx, tx, journal.Record{Kind: "DELETE", Path: path, CreatedAt: time.Now().UnixMilli()})
}

func encodeTaskJSON(task *types.Task) (notesJSON, metaJSON, statusMetaJSON string, err error) {
	n, err := json.Marshal(task.Notes)
	if err != nil {
		return "", "", "", apperr.Wrap(apperr.KindInternal, "store.encodeTaskJSON", "encode notes", err, nil)
	}
	m, err := json.Marshal(task.Metadata)
	if err != nil {
		return "", "", "", apperr.Wrap(apperr.KindInternal, "store.encodeTaskJSON", "encode metadata", err, nil)
	}
	sm, err := json.Marshal(task.StatusMetadata)
	if err != nil {
		return "", "", "", apperr.Wrap(apperr.KindInternal, "store.encodeTaskJSON", "encode status metadata", err, nil)
	}
	return string(n), string(m), string(sm), nil
}

// withTx runs fn inside a BEGIN IMMEDIATE transaction with retry on
// SQLITE_BUSY, matching the teacher's beginImmediateWithRetry discipline in
// storage/sqlite/batch_ops.go (serializing writers early rather than
// deadlocking on upgrade from a shared read lock). database/sql's own
// TxOptions cannot express SQLite's IMMEDIATE isolation, so — as the
// teacher does — the transaction is driven by hand off a single reserved
// *sql.Conn via literal BEGIN IMMEDIATE / COMMIT / ROLLBACK statements.
func (s *Store) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "store.withTx", "acquire connection", err, nil)
	}
	defer conn.Close()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return apperr.Wrap(apperr.KindTransactionAborted, "store.withTx", "commit failed", err, nil)
	}
	return nil
}

func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusyErr(lastErr) {
			break
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindLockTimeout, "store.beginImmediateWithRetry", "context cancelled while waiting for write lock", ctx.Err(), nil)
		case <-time.After(delay * time.Duration(1<<i)):
		}
	}
	return apperr.Wrap(apperr.KindLockTimeout, "store.beginImmediateWithRetry", "could not acquire write transaction", lastErr, nil)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSY")
}
