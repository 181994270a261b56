package statemachine

import (
	"context"
	"testing"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// fakeGraph is an in-memory StatusLookup+Setter used to exercise the
// propagation algorithm without a real store or index set.
type fakeGraph struct {
	status   map[string]types.Status
	parent   map[string]string
	children map[string][]string
	deps     map[string][]string
	rdeps    map[string][]string
	setCalls []string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		status:   make(map[string]types.Status),
		parent:   make(map[string]string),
		children: make(map[string][]string),
		deps:     make(map[string][]string),
		rdeps:    make(map[string][]string),
	}
}

func (g *fakeGraph) add(path string, status types.Status) {
	g.status[path] = status
}

func (g *fakeGraph) setParent(child, parent string) {
	g.parent[child] = parent
	g.children[parent] = append(g.children[parent], child)
}

func (g *fakeGraph) setDependency(from, on string) {
	g.deps[from] = append(g.deps[from], on)
	g.rdeps[on] = append(g.rdeps[on], from)
}

func (g *fakeGraph) StatusOf(path string) (types.Status, bool) {
	s, ok := g.status[path]
	return s, ok
}

func (g *fakeGraph) Dependencies(path string) []string { return g.deps[path] }
func (g *fakeGraph) Children(path string) []string     { return g.children[path] }
func (g *fakeGraph) Dependents(path string) []string   { return g.rdeps[path] }
func (g *fakeGraph) Parent(path string) (string, bool) {
	p, ok := g.parent[path]
	return p, ok
}

func (g *fakeGraph) SetStatus(ctx context.Context, path string, status types.Status) (types.Status, error) {
	prev := g.status[path]
	g.status[path] = status
	g.setCalls = append(g.setCalls, path)
	return prev, nil
}

func TestValidateTransitionTable(t *testing.T) {
	cases := []struct {
		from, to types.Status
		ok       bool
	}{
		{types.StatusPending, types.StatusInProgress, true},
		{types.StatusPending, types.StatusCompleted, false},
		{types.StatusInProgress, types.StatusCompleted, true},
		{types.StatusCompleted, types.StatusBlocked, false},
		{types.StatusCompleted, types.StatusFailed, true},
		{types.StatusFailed, types.StatusCompleted, false},
		{types.StatusFailed, types.StatusPending, true},
		{types.StatusBlocked, types.StatusBlocked, false},
		{types.StatusBlocked, types.StatusFailed, true},
	}
	for _, c := range cases {
		err := ValidateTransition(c.from, c.to)
		if c.ok && err != nil {
			t.Errorf("%s->%s: expected legal, got %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s->%s: expected INVALID_TRANSITION, got nil", c.from, c.to)
		}
		if !c.ok && err != nil {
			if ae, ok := err.(*apperr.Error); ok && ae.Kind != apperr.KindInvalidTransition {
				t.Errorf("%s->%s: expected KindInvalidTransition, got %v", c.from, c.to, ae.Kind)
			}
		}
	}
}

// S2 from spec §8: dependency blocks completion until the dependency itself
// completes. Both start IN_PROGRESS, since PENDING -> COMPLETED is not in
// the transition table.
func TestTransitionBlockedByDependencies(t *testing.T) {
	g := newFakeGraph()
	g.add("a", types.StatusInProgress)
	g.add("b", types.StatusInProgress)
	g.setDependency("b", "a")
	m := New(Config{Lookup: g, Setter: g})
	ctx := context.Background()

	if err := m.Transition(ctx, "b", types.StatusCompleted); err == nil {
		t.Fatalf("expected BLOCKED_BY_DEPENDENCIES, got nil")
	} else if ae, ok := err.(*apperr.Error); !ok || ae.Kind != apperr.KindBlockedByDependencies {
		t.Fatalf("expected KindBlockedByDependencies, got %v", err)
	}

	if err := m.Transition(ctx, "a", types.StatusCompleted); err != nil {
		t.Fatalf("completing a: %v", err)
	}
	if err := m.Transition(ctx, "b", types.StatusCompleted); err != nil {
		t.Fatalf("completing b after a completed: %v", err)
	}
}

// S3 from spec §8: a failed task propagates BLOCKED to its dependents in
// the same logical transition.
func TestTransitionFailurePropagatesBlocked(t *testing.T) {
	g := newFakeGraph()
	g.add("a", types.StatusPending)
	g.add("b", types.StatusPending)
	g.setDependency("b", "a")
	m := New(Config{Lookup: g, Setter: g})
	ctx := context.Background()

	if err := m.Transition(ctx, "a", types.StatusFailed); err != nil {
		t.Fatalf("failing a: %v", err)
	}
	if s, _ := g.StatusOf("a"); s != types.StatusFailed {
		t.Errorf("a status = %s, want FAILED", s)
	}
	if s, _ := g.StatusOf("b"); s != types.StatusBlocked {
		t.Errorf("b status = %s, want BLOCKED", s)
	}
}

func TestCompletionRequiresImmediateChildrenComplete(t *testing.T) {
	g := newFakeGraph()
	g.add("p", types.StatusInProgress)
	g.add("p/c1", types.StatusCompleted)
	g.add("p/c2", types.StatusInProgress)
	g.setParent("p/c1", "p")
	g.setParent("p/c2", "p")
	m := New(Config{Lookup: g, Setter: g})
	ctx := context.Background()

	err := m.Transition(ctx, "p", types.StatusCompleted)
	if err == nil {
		t.Fatalf("expected INCOMPLETE_SUBTASKS, got nil")
	}
	ae, ok := err.(*apperr.Error)
	if !ok || ae.Kind != apperr.KindIncompleteSubtasks {
		t.Fatalf("expected KindIncompleteSubtasks, got %v", err)
	}

	if err := m.Transition(ctx, "p/c2", types.StatusCompleted); err != nil {
		t.Fatalf("completing c2: %v", err)
	}
	// With every child COMPLETED, the parent rollup completes p itself.
	if s, _ := g.StatusOf("p"); s != types.StatusCompleted {
		t.Fatalf("p status = %s, want COMPLETED once all children complete", s)
	}
}

// Parent rollup: all children sharing a terminal status propagates to the
// parent; a mixed set leaves the parent unchanged (spec §4.4 step 3, the
// conservative reading of open question 2).
func TestParentRollupAllEqualPropagatesMixedLeavesUnchanged(t *testing.T) {
	g := newFakeGraph()
	g.add("p", types.StatusPending)
	g.add("p/c1", types.StatusInProgress)
	g.add("p/c2", types.StatusInProgress)
	g.setParent("p/c1", "p")
	g.setParent("p/c2", "p")
	m := New(Config{Lookup: g, Setter: g})
	ctx := context.Background()

	// Mixed statuses (FAILED and IN_PROGRESS): rollup should not fire.
	if err := m.Transition(ctx, "p/c1", types.StatusFailed); err != nil {
		t.Fatalf("failing c1: %v", err)
	}
	if s, _ := g.StatusOf("p"); s != types.StatusPending {
		t.Errorf("p status = %s, want unchanged PENDING (mixed children)", s)
	}

	// Now both children fail: rollup should fire.
	if err := m.Transition(ctx, "p/c2", types.StatusFailed); err != nil {
		t.Fatalf("failing c2: %v", err)
	}
	if s, _ := g.StatusOf("p"); s != types.StatusFailed {
		t.Errorf("p status = %s, want FAILED after all children failed", s)
	}
}

// Blocking does not cascade to dependents that are PENDING with a merely
// pending/in-progress dependency: only a FAILED dependency triggers it.
func TestShouldAutoBlockOnlyOnFailedDependency(t *testing.T) {
	g := newFakeGraph()
	g.add("a", types.StatusInProgress)
	g.add("b", types.StatusPending)
	g.setDependency("b", "a")

	if ShouldAutoBlock(g, "b", types.StatusPending) {
		t.Errorf("expected no auto-block while dependency is in progress")
	}

	g.add("a", types.StatusFailed)
	if !ShouldAutoBlock(g, "b", types.StatusPending) {
		t.Errorf("expected auto-block once dependency has failed")
	}
}

// A transition to an illegal target is refused before any change is
// applied, so the task keeps its status.
func TestRejectedTransitionLeavesStatusUnchanged(t *testing.T) {
	g := newFakeGraph()
	g.add("a", types.StatusCompleted)
	m := New(Config{Lookup: g, Setter: g})
	ctx := context.Background()

	// COMPLETED -> BLOCKED is not a legal transition per the table.
	err := m.Transition(ctx, "a", types.StatusBlocked)
	if err == nil {
		t.Fatalf("expected INVALID_TRANSITION, got nil")
	}
	if s, _ := g.StatusOf("a"); s != types.StatusCompleted {
		t.Errorf("a status = %s, want unchanged COMPLETED after rejected transition", s)
	}
}
