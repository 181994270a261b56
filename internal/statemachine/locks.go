package statemachine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-mcp/taskengine/internal/apperr"
)

// LockTable hands out per-path advisory locks, mirroring the in-process
// mutex style of the teacher's daemon registry (internal/daemon/registry.go)
// generalized to one mutex per path instead of one for the whole registry.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable builds an empty LockTable.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

func (lt *LockTable) mutexFor(path string) *sync.Mutex {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	m, ok := lt.locks[path]
	if !ok {
		m = &sync.Mutex{}
		lt.locks[path] = m
	}
	return m
}

// AcquireOrdered locks every path in paths, after sorting them
// lexicographically, so concurrent propagations that touch overlapping
// path sets can never deadlock against each other (spec §4.4). If the
// overall timeout elapses or ctx is cancelled before every lock is held, it
// releases the locks it took and returns a nil slice with the error.
func (lt *LockTable) AcquireOrdered(ctx context.Context, paths []string, timeout time.Duration) ([]string, error) {
	ordered := append([]string(nil), paths...)
	sort.Strings(ordered)
	ordered = dedupe(ordered)

	deadline := time.Now().Add(timeout)
	var held []string
	for _, p := range ordered {
		m := lt.mutexFor(p)
		if !tryLockUntil(m, deadline) {
			lt.ReleaseReverse(held)
			return nil, apperr.New(apperr.KindLockTimeout, "statemachine.AcquireOrdered", "timed out acquiring advisory lock", map[string]any{"path": p})
		}
		held = append(held, p)
		if ctx.Err() != nil {
			lt.ReleaseReverse(held)
			return nil, apperr.Wrap(apperr.KindLockTimeout, "statemachine.AcquireOrdered", "context cancelled while acquiring locks", ctx.Err(), nil)
		}
	}
	return held, nil
}

// ReleaseReverse releases the given paths' locks in reverse acquisition
// order, matching spec §4.4 ("Locks are released in reverse order").
func (lt *LockTable) ReleaseReverse(paths []string) {
	for i := len(paths) - 1; i >= 0; i-- {
		lt.mutexFor(paths[i]).Unlock()
	}
}

func tryLockUntil(m *sync.Mutex, deadline time.Time) bool {
	for {
		if m.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	var last string
	first := true
	for _, p := range sorted {
		if !first && p == last {
			continue
		}
		out = append(out, p)
		last = p
		first = false
	}
	return out
}
