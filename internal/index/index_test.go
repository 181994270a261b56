package index

import (
	"testing"
	"time"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/types"
)

func newTestSet(t *testing.T) *Set {
	t.Helper()
	set, err := New(DefaultLimits(), 100)
	if err != nil {
		t.Fatalf("failed to create index set: %v", err)
	}
	return set
}

func stageAndMerge(t *testing.T, set *Set, task *types.Task) error {
	t.Helper()
	txn := set.Begin()
	if err := txn.Stage(task); err != nil {
		return err
	}
	txn.Merge()
	return nil
}

func TestHierarchyQueries(t *testing.T) {
	set := newTestSet(t)
	parent := &types.Task{Path: "proj/parent", Status: types.StatusPending}
	child := &types.Task{Path: "proj/parent/child", Status: types.StatusPending, ParentPath: "proj/parent"}

	if err := stageAndMerge(t, set, parent); err != nil {
		t.Fatalf("stage parent: %v", err)
	}
	if err := stageAndMerge(t, set, child); err != nil {
		t.Fatalf("stage child: %v", err)
	}

	children := set.GetChildren("proj/parent")
	if len(children) != 1 || children[0] != "proj/parent/child" {
		t.Fatalf("expected one child, got %v", children)
	}
	parentOf, ok := set.GetParent("proj/parent/child")
	if !ok || parentOf != "proj/parent" {
		t.Fatalf("expected parent proj/parent, got %q ok=%v", parentOf, ok)
	}
	if depth := set.CalculateDepth("proj/parent/child"); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestDependencyCycleDetected(t *testing.T) {
	set := newTestSet(t)
	a := &types.Task{Path: "proj/a", Status: types.StatusPending}
	b := &types.Task{Path: "proj/b", Status: types.StatusPending, Dependencies: []string{"proj/a"}}
	if err := stageAndMerge(t, set, a); err != nil {
		t.Fatalf("stage a: %v", err)
	}
	if err := stageAndMerge(t, set, b); err != nil {
		t.Fatalf("stage b: %v", err)
	}

	cyclic := &types.Task{Path: "proj/a", Status: types.StatusPending, Dependencies: []string{"proj/b"}}
	txn := set.Begin()
	err := txn.Stage(cyclic)
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.KindCycleDetected {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}
}

func TestHierarchyCycleDetected(t *testing.T) {
	set := newTestSet(t)
	a := &types.Task{Path: "proj/a", Status: types.StatusPending}
	b := &types.Task{Path: "proj/a/b", Status: types.StatusPending, ParentPath: "proj/a"}
	if err := stageAndMerge(t, set, a); err != nil {
		t.Fatalf("stage a: %v", err)
	}
	if err := stageAndMerge(t, set, b); err != nil {
		t.Fatalf("stage b: %v", err)
	}

	cyclic := &types.Task{Path: "proj/a", Status: types.StatusPending, ParentPath: "proj/a/b"}
	txn := set.Begin()
	err := txn.Stage(cyclic)
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.KindCycleDetected {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}
}

func TestChildrenPerParentLimitEnforced(t *testing.T) {
	set := newTestSet(t)
	set.limits.MaxChildrenPerParent = 1
	parent := &types.Task{Path: "proj/parent", Status: types.StatusPending}
	if err := stageAndMerge(t, set, parent); err != nil {
		t.Fatalf("stage parent: %v", err)
	}
	first := &types.Task{Path: "proj/parent/a", Status: types.StatusPending, ParentPath: "proj/parent"}
	if err := stageAndMerge(t, set, first); err != nil {
		t.Fatalf("stage first child: %v", err)
	}
	second := &types.Task{Path: "proj/parent/b", Status: types.StatusPending, ParentPath: "proj/parent"}
	txn := set.Begin()
	err := txn.Stage(second)
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.KindLimitExceeded {
		t.Fatalf("expected LIMIT_EXCEEDED, got %v", err)
	}
}

func TestTxnDiscardLeavesLiveSetUntouched(t *testing.T) {
	set := newTestSet(t)
	txn := set.Begin()
	if err := txn.Stage(&types.Task{Path: "proj/a", Status: types.StatusPending}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	txn.Discard()

	if set.Exists("proj/a") {
		t.Fatal("expected discarded transaction to leave no trace in the live set")
	}
}

func TestStatusIndexTracksTransitions(t *testing.T) {
	set := newTestSet(t)
	task := &types.Task{Path: "proj/a", Status: types.StatusPending}
	if err := stageAndMerge(t, set, task); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if got := set.GetByStatus(types.StatusPending); len(got) != 1 {
		t.Fatalf("expected 1 pending task, got %v", got)
	}

	updated := &types.Task{Path: "proj/a", Status: types.StatusInProgress}
	if err := stageAndMerge(t, set, updated); err != nil {
		t.Fatalf("stage update: %v", err)
	}
	if got := set.GetByStatus(types.StatusPending); len(got) != 0 {
		t.Fatalf("expected 0 pending tasks after transition, got %v", got)
	}
	if got := set.GetByStatus(types.StatusInProgress); len(got) != 1 {
		t.Fatalf("expected 1 in-progress task, got %v", got)
	}
}

func TestEffectiveTTLRespectsMax(t *testing.T) {
	cfg := CacheConfig{BaseTTL: 15 * time.Minute, MaxTTL: 2 * time.Hour}
	ttl := EffectiveTTL(cfg, 1000, time.Now(), time.Now())
	if ttl > cfg.MaxTTL {
		t.Fatalf("expected TTL capped at %v, got %v", cfg.MaxTTL, ttl)
	}
}

func TestEffectiveTTLGrowsWithAccessCount(t *testing.T) {
	cfg := CacheConfig{BaseTTL: 15 * time.Minute, MaxTTL: 2 * time.Hour}
	now := time.Now()
	low := EffectiveTTL(cfg, 1, now, now)
	high := EffectiveTTL(cfg, 10, now, now)
	if high <= low {
		t.Fatalf("expected higher access count to yield a longer TTL: low=%v high=%v", low, high)
	}
}

func TestCacheEvictBeforeDelete(t *testing.T) {
	set := newTestSet(t)
	task := &types.Task{Path: "proj/a", Status: types.StatusPending}
	set.Put(task)
	if set.CacheLen() != 1 {
		t.Fatalf("expected 1 cached entry, got %d", set.CacheLen())
	}
	set.Evict("proj/a")
	if set.CacheLen() != 0 {
		t.Fatalf("expected cache empty after evict, got %d", set.CacheLen())
	}
}
