// Package index implements the Index Coordinator (component C3): in-memory
// secondary structures kept consistent with the Task Store under a single
// transaction boundary. It mirrors the shape the teacher's in-memory mirror
// (internal/storage/memory, inferred from its test files since the package's
// own source was not retrieved) exposes — a tree/dependency view rebuilt
// from a full scan rather than persisted incrementally.
package index

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// Limits bounds the hierarchy/dependency graph shape, enforced at insert
// time (spec §4.3).
type Limits struct {
	MaxDepth               int
	MaxChildrenPerParent   int
	MaxDependenciesPerTask int
}

// DefaultLimits matches spec.md §3/§4.3 defaults.
func DefaultLimits() Limits {
	return Limits{MaxDepth: types.MaxPathDepth, MaxChildrenPerParent: 1000, MaxDependenciesPerTask: 50}
}

// Set is the full collection of the four in-memory indices, guarded by a
// single RWMutex: readers (queries) take a read-lock that excludes commit
// but permits concurrent reads; the coordinator holds the write-lock only
// while merging a committed transaction's side-buffer (spec §5).
type Set struct {
	mu     sync.RWMutex
	limits Limits

	primary map[string]*types.Task // path -> snapshot
	cache   *lru.Cache[string, *cacheEntry]

	statusOf    map[string]types.Status
	byStatus    map[types.Status]map[string]struct{}

	parentOf map[string]string
	children map[string]map[string]struct{}

	dependsOn map[string]map[string]struct{}
	dependent map[string]map[string]struct{}
}

// New builds an empty Set with the given cache capacity.
func New(limits Limits, cacheCapacity int) (*Set, error) {
	if cacheCapacity <= 0 {
		cacheCapacity = 10_000
	}
	cache, err := lru.New[string, *cacheEntry](cacheCapacity)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "index.New", "create LRU cache", err, nil)
	}
	return &Set{
		limits:    limits,
		primary:   make(map[string]*types.Task),
		cache:     cache,
		statusOf:  make(map[string]types.Status),
		byStatus:  make(map[types.Status]map[string]struct{}),
		parentOf:  make(map[string]string),
		children:  make(map[string]map[string]struct{}),
		dependsOn: make(map[string]map[string]struct{}),
		dependent: make(map[string]map[string]struct{}),
	}, nil
}

// Rebuild reconstructs every index from a full store scan, batched to bound
// peak memory the way spec §4.3 recommends (batch size 100), calling next
// repeatedly until it returns (nil, nil).
func Rebuild(ctx context.Context, set *Set, next func(ctx context.Context, offset, batchSize int) ([]*types.Task, error)) error {
	const batchSize = 100
	set.mu.Lock()
	defer set.mu.Unlock()

	set.primary = make(map[string]*types.Task)
	set.statusOf = make(map[string]types.Status)
	set.byStatus = make(map[types.Status]map[string]struct{})
	set.parentOf = make(map[string]string)
	set.children = make(map[string]map[string]struct{})
	set.dependsOn = make(map[string]map[string]struct{})
	set.dependent = make(map[string]map[string]struct{})

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := next(ctx, offset, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, t := range batch {
			set.insertLocked(t)
		}
		offset += len(batch)
	}
}

func (s *Set) insertLocked(t *types.Task) {
	clone := t.Clone()
	if _, existed := s.primary[clone.Path]; existed {
		s.clearSecondaryLocked(clone.Path)
	}
	s.primary[clone.Path] = clone

	s.statusOf[clone.Path] = clone.Status
	if s.byStatus[clone.Status] == nil {
		s.byStatus[clone.Status] = make(map[string]struct{})
	}
	s.byStatus[clone.Status][clone.Path] = struct{}{}

	if clone.ParentPath != "" {
		s.parentOf[clone.Path] = clone.ParentPath
		if s.children[clone.ParentPath] == nil {
			s.children[clone.ParentPath] = make(map[string]struct{})
		}
		s.children[clone.ParentPath][clone.Path] = struct{}{}
	}

	for _, dep := range clone.Dependencies {
		if s.dependsOn[clone.Path] == nil {
			s.dependsOn[clone.Path] = make(map[string]struct{})
		}
		s.dependsOn[clone.Path][dep] = struct{}{}
		if s.dependent[dep] == nil {
			s.dependent[dep] = make(map[string]struct{})
		}
		s.dependent[dep][clone.Path] = struct{}{}
	}
}

// clearSecondaryLocked removes path's stale secondary-index memberships
// ahead of a re-insert (an update, not a fresh create): its old status
// bucket, its old parent edge (path in its old parent's children set), and
// its old outgoing dependency edges; these are recomputed from path's fresh
// fields immediately after this call returns. It leaves the primary entry,
// path's own children set, and the dependent (reverse-dependency) edges
// pointing at path untouched — those describe other tasks' relationships to
// path, not path's own stale state.
func (s *Set) clearSecondaryLocked(path string) {
	if status, ok := s.statusOf[path]; ok {
		delete(s.byStatus[status], path)
		delete(s.statusOf, path)
	}
	if parent, ok := s.parentOf[path]; ok {
		delete(s.children[parent], path)
		delete(s.parentOf, path)
	}
	for dep := range s.dependsOn[path] {
		delete(s.dependent[dep], path)
	}
	delete(s.dependsOn, path)
}

// GetByPath returns the cached or primary-indexed snapshot for path.
func (s *Set) GetByPath(path string) (*types.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.cache.Get(path); ok {
		entry.touch()
		return entry.task, true
	}
	t, ok := s.primary[path]
	return t, ok
}

// StatusOf returns the indexed status for path, satisfying the state
// machine's StatusLookup interface.
func (s *Set) StatusOf(path string) (types.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statusOf[path]
	return st, ok
}

// Dependents returns the set of paths that depend on path, satisfying the
// state machine's StatusLookup interface (alias of GetDependents).
func (s *Set) Dependents(path string) []string { return s.GetDependents(path) }

// Dependencies returns the set of paths path depends on, satisfying the
// state machine's StatusLookup interface (alias of GetDependencies).
func (s *Set) Dependencies(path string) []string { return s.GetDependencies(path) }

// Children returns the immediate children of path, satisfying the state
// machine's StatusLookup interface (alias of GetChildren).
func (s *Set) Children(path string) []string { return s.GetChildren(path) }

// Parent returns the parent of path, satisfying the state machine's
// StatusLookup interface (alias of GetParent).
func (s *Set) Parent(path string) (string, bool) { return s.GetParent(path) }

// Exists reports whether path is present in the primary index.
func (s *Set) Exists(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.primary[path]
	return ok
}

// Count returns the total number of indexed tasks.
func (s *Set) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.primary)
}

// GetByStatus returns all paths currently in status s, sorted for
// deterministic output.
func (s *Set) GetByStatus(status types.Status) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byStatus[status]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// StatusCounts returns the number of tasks in each status.
func (s *Set) StatusCounts() map[types.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.Status]int, len(s.byStatus))
	for status, set := range s.byStatus {
		out[status] = len(set)
	}
	return out
}

// GetChildren returns the immediate children of parentPath, sorted.
func (s *Set) GetChildren(parentPath string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.children[parentPath]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// GetParent returns the parent path of path, if any.
func (s *Set) GetParent(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parentOf[path]
	return p, ok
}

// GetAncestors walks parentOf from path to the root, nearest first.
func (s *Set) GetAncestors(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	cur := path
	for {
		parent, ok := s.parentOf[cur]
		if !ok {
			break
		}
		out = append(out, parent)
		cur = parent
	}
	return out
}

// GetDescendants returns every path transitively under path, BFS order.
func (s *Set) GetDescendants(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	queue := []string{path}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids := s.children[cur]
		children := make([]string, 0, len(kids))
		for c := range kids {
			children = append(children, c)
		}
		sort.Strings(children)
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

// CalculateDepth returns the number of ancestors path has.
func (s *Set) CalculateDepth(path string) int {
	return len(s.GetAncestors(path))
}

// GetDependencies returns the set of paths path depends on.
func (s *Set) GetDependencies(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSortedSlice(s.dependsOn[path])
}

// GetDependents returns the set of paths that depend on path.
func (s *Set) GetDependents(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSortedSlice(s.dependent[path])
}

// IsReachable reports whether b is reachable from a by following dependsOn
// edges — used to detect a cycle before committing a new edge b -> a.
func (s *Set) IsReachable(a, b string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	visited := make(map[string]bool)
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == b {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for next := range s.dependsOn[node] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(a)
}

func setToSortedSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
