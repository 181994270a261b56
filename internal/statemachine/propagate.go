package statemachine

import (
	"context"
	"time"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/logging"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// Setter applies a status change to a single task, returning the status it
// held immediately before the change (for rollback-by-replay).
type Setter interface {
	SetStatus(ctx context.Context, path string, status types.Status) (previous types.Status, err error)
}

// update is one entry in the propagation log-buffer (spec §4.4 step 1).
type update struct {
	path string
	from types.Status
	to   types.Status
}

// Machine drives the propagation algorithm in spec §4.4 over a
// StatusLookup (reads) and Setter (writes), with ordered advisory locking
// and rollback-by-replay on failure.
type Machine struct {
	lookup     StatusLookup
	setter     Setter
	locks      *LockTable
	lockWait   time.Duration
	logger     *logging.Logger
}

// Config configures a Machine.
type Config struct {
	Lookup     StatusLookup
	Setter     Setter
	LockWait   time.Duration // default 1s per spec §4.4
	Logger     *logging.Logger
}

// New builds a Machine.
func New(cfg Config) *Machine {
	if cfg.LockWait == 0 {
		cfg.LockWait = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Machine{lookup: cfg.Lookup, setter: cfg.Setter, locks: NewLockTable(), lockWait: cfg.LockWait, logger: cfg.Logger}
}

// Transition validates and applies a status change to path, propagating to
// dependents and the parent chain per spec §4.4. On any failure it rolls
// back every applied change in this propagation by replaying prior statuses
// in reverse order.
func (m *Machine) Transition(ctx context.Context, path string, newStatus types.Status) error {
	currentStatus, ok := m.lookup.StatusOf(path)
	if !ok {
		return apperr.New(apperr.KindNotFound, "statemachine.Transition", "task not found", map[string]any{"path": path})
	}
	if err := ValidateTransition(currentStatus, newStatus); err != nil {
		return err
	}
	if newStatus == types.StatusCompleted {
		if err := CheckCompletionPreconditions(m.lookup, path); err != nil {
			return err
		}
	}

	affected := m.affectedClosure(path)
	held, err := m.locks.AcquireOrdered(ctx, affected, m.lockWait)
	if err != nil {
		return err
	}
	defer m.locks.ReleaseReverse(held)

	var log []update
	if err := m.propagate(ctx, path, newStatus, &log); err != nil {
		m.rollback(ctx, log)
		return err
	}
	return nil
}

// affectedClosure computes every path that might be touched by propagating
// from root: the root itself, its transitive dependents, and its ancestor
// chain (parent rollups can cascade upward arbitrarily far).
func (m *Machine) affectedClosure(root string) []string {
	seen := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range m.lookup.Dependents(cur) {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
		if parent, ok := m.lookup.Parent(cur); ok && !seen[parent] {
			seen[parent] = true
			queue = append(queue, parent)
		}
	}
	for _, c := range m.lookup.Children(root) {
		if !seen[c] {
			seen[c] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

// propagate implements spec §4.4's four-step algorithm.
func (m *Machine) propagate(ctx context.Context, path string, newStatus types.Status, log *[]update) error {
	prev, err := m.setter.SetStatus(ctx, path, newStatus)
	if err != nil {
		return err
	}
	*log = append(*log, update{path: path, from: prev, to: newStatus})

	// Step 2: dependents.
	if newStatus == types.StatusFailed || newStatus == types.StatusCompleted {
		for _, dependent := range m.lookup.Dependents(path) {
			depStatus, ok := m.lookup.StatusOf(dependent)
			if !ok || depStatus == types.StatusBlocked || depStatus == types.StatusFailed || depStatus == types.StatusCompleted {
				continue
			}
			if newStatus == types.StatusFailed {
				if err := ValidateTransition(depStatus, types.StatusBlocked); err == nil {
					if err := m.propagate(ctx, dependent, types.StatusBlocked, log); err != nil {
						return err
					}
				}
			}
			// newStatus == COMPLETED: re-evaluate readiness only; no forced transition.
		}
	}

	// Step 3: parent rollup.
	if parent, ok := m.lookup.Parent(path); ok {
		if rolled, should := RollupStatus(m.lookup, parent); should {
			parentStatus, _ := m.lookup.StatusOf(parent)
			if rolled != parentStatus && ValidateTransition(parentStatus, rolled) == nil {
				if err := m.propagate(ctx, parent, rolled, log); err != nil {
					return err
				}
			}
		}
	}

	// Step 4: blocked propagates down to children.
	if newStatus == types.StatusBlocked {
		for _, child := range m.lookup.Children(path) {
			childStatus, ok := m.lookup.StatusOf(child)
			if !ok || childStatus == types.StatusBlocked {
				continue
			}
			if ValidateTransition(childStatus, types.StatusBlocked) == nil {
				if err := m.propagate(ctx, child, types.StatusBlocked, log); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// rollback replays log in reverse, restoring each task's prior status.
// Rollback failures are logged but do not themselves abort (spec §4.4).
func (m *Machine) rollback(ctx context.Context, log []update) {
	for i := len(log) - 1; i >= 0; i-- {
		u := log[i]
		if _, err := m.setter.SetStatus(ctx, u.path, u.from); err != nil {
			m.logger.Error("statemachine.rollback", "failed to restore prior status", map[string]any{
				"path": u.path, "target": string(u.from), "error": err.Error(),
			})
		}
	}
}
