package coordinator

import (
	"context"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/index"
	"github.com/atlas-mcp/taskengine/internal/statemachine"
	"github.com/atlas-mcp/taskengine/internal/store"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// BatchOpType names an operation kind in a BulkTaskOperations request.
type BatchOpType string

const (
	BatchOpCreate BatchOpType = "CREATE"
	BatchOpUpdate BatchOpType = "UPDATE"
	BatchOpDelete BatchOpType = "DELETE"
)

// BatchOp is one ordered operation in a BulkTaskOperations request.
type BatchOp struct {
	Type   BatchOpType
	Path   string     // required for UPDATE and DELETE
	Task   *types.Task // required for CREATE
	Update TaskUpdate  // used for UPDATE
}

// BatchOpResult is the per-operation outcome spec §4.5 requires: every
// operation after the first failure is reported NOT_EXECUTED rather than
// silently omitted.
type BatchOpResult struct {
	Index int
	Type  BatchOpType
	Path  string
	Task  *types.Task
	// Err is not serialized; a JSON caller reads the failing operation's
	// error from the enclosing TransactionAborted error instead.
	Err error `json:"-"`
	// NotExecuted is true when this operation was skipped because an
	// earlier operation in the same batch failed.
	NotExecuted bool
}

// BulkTaskOperations implements spec §4.5's batch contract: operations are
// applied in order inside a single BEGIN IMMEDIATE transaction; dependency
// validity (parents, dependency edges) is checked once at commit time
// against the fully-applied batch rather than incrementally per operation,
// so a batch may create a child before its parent. On any failure the whole
// transaction rolls back and every later operation is marked NOT_EXECUTED.
func (c *Coordinator) BulkTaskOperations(ctx context.Context, ops []BatchOp) ([]BatchOpResult, error) {
	results := make([]BatchOpResult, len(ops))

	tx, err := c.store.BeginTransaction(ctx)
	if err != nil {
		return nil, err
	}

	failedAt := -1
	for i, op := range ops {
		results[i] = BatchOpResult{Index: i, Type: op.Type, Path: op.Path}
		if err := applyBatchOp(tx, c.index, &results[i], op); err != nil {
			results[i].Err = err
			failedAt = i
			break
		}
	}

	if failedAt >= 0 {
		_ = tx.Rollback()
		for i := failedAt + 1; i < len(results); i++ {
			results[i].NotExecuted = true
		}
		return results, apperr.Wrap(apperr.KindTransactionAborted, "coordinator.BulkTaskOperations",
			"batch rolled back", results[failedAt].Err, map[string]any{"failedIndex": failedAt, "op": string(ops[failedAt].Type)})
	}

	if err := verifyBatchIntegrity(tx, ops); err != nil {
		_ = tx.Rollback()
		for i := range results {
			results[i].NotExecuted = true
			results[i].Err = err
		}
		return results, err
	}

	if err := tx.Commit(); err != nil {
		for i := range results {
			results[i].NotExecuted = true
			results[i].Err = err
		}
		return results, err
	}

	// Commit succeeded durably; now fold every change into the in-memory
	// index under one side-buffer so readers never see a partial batch.
	txn := c.index.Begin()
	for i, op := range ops {
		switch op.Type {
		case BatchOpCreate:
			if err := txn.Stage(results[i].Task); err != nil {
				c.logger.Warn("coordinator.BulkTaskOperations", "post-commit index stage failed", map[string]any{"path": op.Task.Path, "error": err.Error()})
			}
		case BatchOpUpdate:
			if err := txn.Stage(results[i].Task); err != nil {
				c.logger.Warn("coordinator.BulkTaskOperations", "post-commit index stage failed", map[string]any{"path": op.Path, "error": err.Error()})
			}
		case BatchOpDelete:
			txn.StageDelete(op.Path)
		}
	}
	txn.Merge()
	for i, op := range ops {
		if op.Type == BatchOpDelete {
			c.index.Evict(op.Path)
		} else if results[i].Task != nil {
			c.index.Put(results[i].Task)
		}
	}

	return results, nil
}

func applyBatchOp(tx *store.Tx, idx *index.Set, result *BatchOpResult, op BatchOp) error {
	switch op.Type {
	case BatchOpCreate:
		if op.Task == nil {
			return apperr.New(apperr.KindPathInvalid, "coordinator.BulkTaskOperations", "CREATE requires a task", nil)
		}
		op.Task.DeriveProjectPath()
		if op.Task.Status == "" {
			op.Task.Status = types.StatusPending
		}
		if op.Task.Type == "" {
			op.Task.Type = types.TypeTask
		}
		if err := tx.Create(op.Task); err != nil {
			return err
		}
		result.Task = op.Task.Clone()
		result.Path = op.Task.Path
		return nil

	case BatchOpUpdate:
		current, err := tx.Get(op.Path)
		if err != nil {
			return err
		}
		next := current.Clone()
		applyUpdate(next, op.Update)

		// A status-bearing UPDATE must obey the same transition table and
		// completion preconditions as the single-operation path
		// (coordinator.UpdateTask -> statemachine.Machine.Transition) -
		// invariant §3.7 applies inside a batch exactly as it does outside
		// one. No propagation to dependents or parents runs for a batch
		// UPDATE, before or after commit; this only guards against the batch
		// committing an illegal or precondition-violating status by itself.
		if op.Update.Status != nil && *op.Update.Status != current.Status {
			if err := statemachine.ValidateTransition(current.Status, *op.Update.Status); err != nil {
				return err
			}
			if *op.Update.Status == types.StatusCompleted {
				if err := checkBatchCompletionPreconditions(tx, idx, next); err != nil {
					return err
				}
			}
		}

		if err := tx.Update(next, current.Version); err != nil {
			return err
		}
		result.Task = next
		return nil

	case BatchOpDelete:
		if err := tx.Delete(op.Path, true); err != nil {
			return err
		}
		return nil

	default:
		return apperr.New(apperr.KindPathInvalid, "coordinator.BulkTaskOperations", "unknown batch operation type", map[string]any{"type": string(op.Type)})
	}
}

// checkBatchCompletionPreconditions applies spec §4.4's completion rule
// (every dependency COMPLETED, every immediate child COMPLETED) to a
// status-bearing batch UPDATE, reading each dependency/child through tx so
// it observes this batch's own already-applied writes. A dependency this
// batch has not reached yet (legal under the child-before-parent ordering
// rule) reads as not-yet-completed rather than erroring, since its mere
// existence is verified separately by verifyBatchIntegrity.
func checkBatchCompletionPreconditions(tx *store.Tx, idx *index.Set, task *types.Task) error {
	var blockedBy []string
	for _, dep := range task.Dependencies {
		depTask, err := tx.Get(dep)
		if err != nil || depTask.Status != types.StatusCompleted {
			blockedBy = append(blockedBy, dep)
		}
	}
	if len(blockedBy) > 0 {
		return apperr.New(apperr.KindBlockedByDependencies, "coordinator.BulkTaskOperations", "dependencies not completed", nil).WithOffending(blockedBy)
	}

	var incomplete []string
	for _, child := range idx.GetChildren(task.Path) {
		childTask, err := tx.Get(child)
		if err != nil || childTask.Status != types.StatusCompleted {
			incomplete = append(incomplete, child)
		}
	}
	if len(incomplete) > 0 {
		return apperr.New(apperr.KindIncompleteSubtasks, "coordinator.BulkTaskOperations", "subtasks not completed", nil).WithOffending(incomplete)
	}
	return nil
}

// verifyBatchIntegrity re-checks referential integrity (parent existence,
// dependency existence) after every operation in the batch has been applied,
// matching spec §4.5's "dependency verification happens at commit time, not
// apply time" rule — a batch that creates child-before-parent in the same
// request is legal as long as the parent exists by the end of the batch.
func verifyBatchIntegrity(tx *store.Tx, ops []BatchOp) error {
	created := make(map[string]bool)
	deleted := make(map[string]bool)
	for _, op := range ops {
		switch op.Type {
		case BatchOpCreate:
			created[op.Task.Path] = true
		case BatchOpDelete:
			deleted[op.Path] = true
		}
	}
	exists := func(path string) bool {
		if deleted[path] {
			return false
		}
		if created[path] {
			return true
		}
		_, err := tx.Get(path)
		return err == nil
	}

	for _, op := range ops {
		var path, parent string
		var deps []string
		switch op.Type {
		case BatchOpCreate:
			path, parent, deps = op.Task.Path, op.Task.ParentPath, op.Task.Dependencies
		case BatchOpUpdate:
			path = op.Path
			if op.Update.ParentPath != nil {
				parent = *op.Update.ParentPath
			}
			if op.Update.Dependencies != nil {
				deps = *op.Update.Dependencies
			}
		default:
			continue
		}
		if parent != "" && !exists(parent) {
			return apperr.New(apperr.KindNotFound, "coordinator.BulkTaskOperations", "parent task does not exist", map[string]any{"path": path, "parentPath": parent})
		}
		for _, dep := range deps {
			if !exists(dep) {
				return apperr.New(apperr.KindNotFound, "coordinator.BulkTaskOperations", "dependency task does not exist", map[string]any{"path": path, "dependsOn": dep})
			}
		}
	}
	return nil
}

// ClearAllTasks implements spec §6's clearAllTasks operation: refuses
// unless confirm is true, preventing an accidental full wipe.
func (c *Coordinator) ClearAllTasks(ctx context.Context, confirm bool) (int, error) {
	if !confirm {
		return 0, apperr.New(apperr.KindConfirmationRequired, "coordinator.ClearAllTasks", "clearing all tasks requires confirm=true", nil)
	}
	tasks, err := c.store.Scan(ctx, store.ScanFilter{})
	if err != nil {
		return 0, err
	}
	roots := make([]string, 0)
	for _, t := range tasks {
		if t.ParentPath == "" {
			roots = append(roots, t.Path)
		}
	}
	count := 0
	for _, path := range roots {
		if err := c.DeleteTask(ctx, path); err != nil {
			return count, err
		}
		count++
	}
	return len(tasks), nil
}
