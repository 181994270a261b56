package index

import (
	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// Txn is a side-buffer of pending index mutations associated with one
// coordinator transaction. Every mutation inside the transaction is applied
// to the buffer only; Merge folds it into the live Set under the write
// lock at commit, and Discard simply drops it on rollback — avoiding any
// visible intermediate state (spec §4.3 "Transaction integration").
type Txn struct {
	set     *Set
	puts    []*types.Task
	deletes []string
}

// Begin starts a new index transaction against set.
func (s *Set) Begin() *Txn {
	return &Txn{set: s}
}

// Stage records an upsert (validated against limits and cycles) to apply on
// Merge. It validates against the live Set plus anything already staged in
// this same transaction, so a batch that creates a parent and child in the
// same commit still gets correct limit/cycle enforcement.
func (t *Txn) Stage(task *types.Task) error {
	if err := t.checkHierarchyLimits(task); err != nil {
		return err
	}
	if err := t.checkDependencyLimits(task); err != nil {
		return err
	}
	if err := t.checkCycles(task); err != nil {
		return err
	}
	t.puts = append(t.puts, task.Clone())
	return nil
}

// StageDelete records a deletion to apply on Merge.
func (t *Txn) StageDelete(path string) {
	t.deletes = append(t.deletes, path)
}

func (t *Txn) checkHierarchyLimits(task *types.Task) error {
	if task.ParentPath == "" {
		return nil
	}
	depth := t.set.CalculateDepth(task.ParentPath) + 1
	if depth > t.set.limits.MaxDepth {
		return apperr.New(apperr.KindLimitExceeded, "index.Stage", "hierarchy depth limit exceeded", map[string]any{"path": task.Path, "depth": depth, "max": t.set.limits.MaxDepth})
	}
	// task itself is not counted, so re-staging an existing child is not
	// treated as adding a new one
	existingChildren := 0
	for _, c := range t.set.GetChildren(task.ParentPath) {
		if c != task.Path {
			existingChildren++
		}
	}
	for _, p := range t.puts {
		if p.ParentPath == task.ParentPath && p.Path != task.Path {
			existingChildren++
		}
	}
	if existingChildren >= t.set.limits.MaxChildrenPerParent {
		return apperr.New(apperr.KindLimitExceeded, "index.Stage", "children-per-parent limit exceeded", map[string]any{"parent": task.ParentPath, "max": t.set.limits.MaxChildrenPerParent})
	}
	return nil
}

func (t *Txn) checkDependencyLimits(task *types.Task) error {
	if len(task.Dependencies) > t.set.limits.MaxDependenciesPerTask {
		return apperr.New(apperr.KindLimitExceeded, "index.Stage", "dependency count limit exceeded", map[string]any{
			"path": task.Path, "count": len(task.Dependencies), "max": t.set.limits.MaxDependenciesPerTask,
		})
	}
	return nil
}

// checkCycles detects both hierarchy cycles (a task cannot be its own
// ancestor) and dependency cycles (a task cannot transitively depend on
// itself), per spec §4.3's DFS-from-proposed-edge algorithm.
func (t *Txn) checkCycles(task *types.Task) error {
	if task.ParentPath != "" {
		for _, ancestor := range t.set.GetAncestors(task.ParentPath) {
			if ancestor == task.Path {
				return apperr.New(apperr.KindCycleDetected, "index.Stage", "hierarchy cycle detected", map[string]any{"path": task.Path, "parent": task.ParentPath})
			}
		}
		if task.ParentPath == task.Path {
			return apperr.New(apperr.KindCycleDetected, "index.Stage", "task cannot be its own parent", map[string]any{"path": task.Path})
		}
	}
	for _, dep := range task.Dependencies {
		if dep == task.Path {
			return apperr.New(apperr.KindCycleDetected, "index.Stage", "task cannot depend on itself", map[string]any{"path": task.Path})
		}
		if t.set.IsReachable(dep, task.Path) {
			return apperr.New(apperr.KindCycleDetected, "index.Stage", "dependency cycle detected", map[string]any{"path": task.Path, "dependsOn": dep})
		}
	}
	return nil
}

// Merge folds the transaction's staged mutations into the live Set under
// the write lock. Deletes are applied before puts so a delete-then-recreate
// of the same path within one transaction behaves as a plain replace.
func (t *Txn) Merge() {
	s := t.set
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range t.deletes {
		s.removeLocked(path)
	}
	for _, task := range t.puts {
		s.insertLocked(task)
	}
}

// Discard drops the transaction's staged mutations without touching the
// live Set (rollback path).
func (t *Txn) Discard() {
	t.puts = nil
	t.deletes = nil
}

func (s *Set) removeLocked(path string) {
	delete(s.primary, path)
	if status, ok := s.statusOf[path]; ok {
		delete(s.byStatus[status], path)
		delete(s.statusOf, path)
	}
	if parent, ok := s.parentOf[path]; ok {
		delete(s.children[parent], path)
		delete(s.parentOf, path)
	}
	delete(s.children, path)
	for dep := range s.dependsOn[path] {
		delete(s.dependent[dep], path)
	}
	delete(s.dependsOn, path)
	for dependent := range s.dependent[path] {
		delete(s.dependsOn[dependent], path)
	}
	delete(s.dependent, path)
}
