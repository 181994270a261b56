package coordinator

import (
	"context"
	"sort"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/store"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// TaskUpdate is a partial update: nil fields are left unchanged, satisfying
// spec §4.5's UPDATE semantics ("preserves unspecified fields").
type TaskUpdate struct {
	Name           *string
	Type           *types.TaskType
	Status         *types.Status
	ParentPath     *string
	Dependencies   *[]string
	Description    *string
	Reasoning      *string
	Notes          *types.Notes
	Metadata       map[string]any
	StatusMetadata map[string]any
}

// CreateTask implements spec §6's createTask operation: asserts path
// uniqueness and parent existence (via store.Create), then mirrors the new
// task into the index under a transaction boundary and primes its cache
// entry (spec §4.5 "committed tasks are inserted into the Primary index's
// LRU cache").
func (c *Coordinator) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	task.DeriveProjectPath()
	if task.Status == "" {
		task.Status = types.StatusPending
	}
	if task.Type == "" {
		task.Type = types.TypeTask
	}
	if task.ParentPath != "" && !c.index.Exists(task.ParentPath) {
		return nil, apperr.New(apperr.KindNotFound, "coordinator.CreateTask", "parent task does not exist", map[string]any{"parentPath": task.ParentPath})
	}
	for _, dep := range task.Dependencies {
		if !c.index.Exists(dep) {
			return nil, apperr.New(apperr.KindNotFound, "coordinator.CreateTask", "dependency task does not exist", map[string]any{"dependsOn": dep})
		}
	}

	txn := c.index.Begin()
	if err := txn.Stage(task); err != nil {
		return nil, err
	}
	if err := c.store.Create(ctx, task); err != nil {
		return nil, err
	}
	txn.Merge()
	c.index.Put(task)
	return task.Clone(), nil
}

// UpdateTask implements spec §6's updateTask operation. Non-status field
// changes are applied directly; a status change is routed through the state
// machine (component C4) for transition validation and propagation.
func (c *Coordinator) UpdateTask(ctx context.Context, path string, upd TaskUpdate) (*types.Task, error) {
	current, err := c.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	applyUpdate(next, upd)

	statusChanged := upd.Status != nil && *upd.Status != current.Status
	nonStatusChanged := taskDiffersExcludingStatus(current, next)

	if nonStatusChanged {
		txn := c.index.Begin()
		staged := next.Clone()
		staged.Status = current.Status // status moves through the state machine, not here
		if err := txn.Stage(staged); err != nil {
			return nil, err
		}
		if err := c.store.Update(ctx, staged, current.Version); err != nil {
			return nil, err
		}
		txn.Merge()
		c.index.Put(staged)
		current = staged
	}

	if statusChanged {
		if err := c.machine.Transition(ctx, path, *upd.Status); err != nil {
			return nil, err
		}
	}

	return c.store.Get(ctx, path)
}

func applyUpdate(t *types.Task, upd TaskUpdate) {
	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.Type != nil {
		t.Type = *upd.Type
	}
	if upd.ParentPath != nil {
		t.ParentPath = *upd.ParentPath
	}
	if upd.Dependencies != nil {
		t.Dependencies = append([]string(nil), (*upd.Dependencies)...)
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Reasoning != nil {
		t.Reasoning = *upd.Reasoning
	}
	if upd.Notes != nil {
		t.Notes = *upd.Notes
	}
	if upd.Metadata != nil {
		t.Metadata = upd.Metadata
	}
	if upd.StatusMetadata != nil {
		t.StatusMetadata = upd.StatusMetadata
	}
}

func taskDiffersExcludingStatus(a, b *types.Task) bool {
	if a.Name != b.Name || a.Type != b.Type || a.ParentPath != b.ParentPath ||
		a.Description != b.Description || a.Reasoning != b.Reasoning {
		return true
	}
	if len(a.Dependencies) != len(b.Dependencies) {
		return true
	}
	for i := range a.Dependencies {
		if a.Dependencies[i] != b.Dependencies[i] {
			return true
		}
	}
	return false
}

// DeleteTask implements spec §6's deleteTask operation: cascades to every
// descendant reached through parentPath links in one pass (the FK ON DELETE
// CASCADE the store schema declares does the durable half; the index and
// dependency propagation are the coordinator's responsibility) and triggers
// dependency-propagation on surviving dependents (spec §3's lifecycle note).
// A task whose path merely starts with path but whose parentPath chain does
// not lead to it is not deleted.
func (c *Coordinator) DeleteTask(ctx context.Context, path string) error {
	if !c.index.Exists(path) {
		return apperr.New(apperr.KindNotFound, "coordinator.DeleteTask", "task not found", map[string]any{"path": path})
	}
	removed := append([]string{path}, c.index.GetDescendants(path)...)
	removedSet := make(map[string]bool, len(removed))
	for _, p := range removed {
		removedSet[p] = true
	}

	// Collect surviving dependents before the index mutation removes the
	// dependency edges, so propagation has something to act on.
	survivingDependents := make(map[string]bool)
	for _, p := range removed {
		for _, dependent := range c.index.GetDependents(p) {
			if !removedSet[dependent] {
				survivingDependents[dependent] = true
			}
		}
	}

	if err := c.store.Delete(ctx, path, true); err != nil {
		return err
	}

	txn := c.index.Begin()
	for _, p := range removed {
		c.index.Evict(p)
		txn.StageDelete(p)
	}
	txn.Merge()

	for dependent := range survivingDependents {
		status, ok := c.index.StatusOf(dependent)
		if !ok || status == types.StatusBlocked || status == types.StatusFailed || status == types.StatusCompleted {
			continue
		}
		if err := c.machine.Transition(ctx, dependent, types.StatusBlocked); err != nil {
			c.logger.Warn("coordinator.DeleteTask", "failed to block surviving dependent after delete", map[string]any{
				"dependent": dependent, "deleted": path, "error": err.Error(),
			})
		}
	}
	return nil
}

// GetTasksByStatus implements spec §6's getTasksByStatus operation, reading
// from the index's fast path (spec §2 "Queries bypass C1 and read from C3").
func (c *Coordinator) GetTasksByStatus(status types.Status) ([]*types.Task, error) {
	paths := c.index.GetByStatus(status)
	return c.resolveFromCacheOrIndex(paths), nil
}

// GetTasksByPath implements spec §6's getTasksByPath operation (glob scan),
// delegating to the store since the index does not maintain a
// glob-matchable structure of its own.
func (c *Coordinator) GetTasksByPath(ctx context.Context, pattern string) ([]*types.Task, error) {
	return c.store.Scan(ctx, store.ScanFilter{PathGlob: pattern})
}

// GetSubtasks implements spec §6's getSubtasks operation.
func (c *Coordinator) GetSubtasks(parentPath string) []*types.Task {
	children := c.index.GetChildren(parentPath)
	return c.resolveFromCacheOrIndex(children)
}

func (c *Coordinator) resolveFromCacheOrIndex(paths []string) []*types.Task {
	out := make([]*types.Task, 0, len(paths))
	for _, p := range paths {
		if t, ok := c.index.GetByPath(p); ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// NewlyUnblocked implements SPEC_FULL.md SUPPLEMENTED FEATURES #2 (the
// teacher's GetNewlyUnblockedByClose-style query): given a task that just
// completed, returns the dependents whose only remaining blocker was this
// task and which are not themselves BLOCKED for any other reason.
func (c *Coordinator) NewlyUnblocked(path string) []string {
	var out []string
	for _, dependent := range c.index.GetDependents(path) {
		status, ok := c.index.StatusOf(dependent)
		if !ok || status != types.StatusBlocked {
			continue
		}
		allCompleted := true
		for _, dep := range c.index.GetDependencies(dependent) {
			depStatus, ok := c.index.StatusOf(dep)
			if !ok || depStatus != types.StatusCompleted {
				allCompleted = false
				break
			}
		}
		if allCompleted {
			out = append(out, dependent)
		}
	}
	sort.Strings(out)
	return out
}
