// Package statemachine implements the Status State Machine (component C4):
// transition validation, completion preconditions, automatic blocking, and
// propagation to dependents/parents, following spec §4.4. Locking style
// mirrors the teacher's in-process registry mutex (internal/daemon/registry.go)
// generalized to per-path advisory locks acquired in a fixed order.
package statemachine

import (
	"sort"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// allowedTransitions is the table from spec §4.4's transition matrix.
var allowedTransitions = map[types.Status][]types.Status{
	types.StatusPending: {
		types.StatusInProgress, types.StatusFailed, types.StatusBlocked,
	},
	types.StatusInProgress: {
		types.StatusPending, types.StatusCompleted, types.StatusFailed, types.StatusBlocked,
	},
	types.StatusCompleted: {
		types.StatusInProgress, types.StatusFailed,
	},
	types.StatusFailed: {
		types.StatusPending, types.StatusInProgress,
	},
	types.StatusBlocked: {
		types.StatusPending, types.StatusInProgress, types.StatusFailed,
	},
}

// LegalNextStates returns the statuses from may legally transition to.
func LegalNextStates(from types.Status) []types.Status {
	next := allowedTransitions[from]
	out := make([]types.Status, len(next))
	copy(out, next)
	return out
}

// ValidateTransition checks whether from -> to is a legal transition,
// returning INVALID_TRANSITION carrying the legal next states otherwise.
func ValidateTransition(from, to types.Status) error {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	legal := LegalNextStates(from)
	legalStrs := make([]string, len(legal))
	for i, s := range legal {
		legalStrs[i] = string(s)
	}
	sort.Strings(legalStrs)
	return apperr.New(apperr.KindInvalidTransition, "statemachine.ValidateTransition", "illegal status transition", map[string]any{
		"from": string(from), "to": string(to), "legalNext": legalStrs,
	})
}

// StatusLookup resolves a task's current status and dependency/child
// relationships; the coordinator supplies an implementation backed by the
// index set so the state machine itself stays free of storage concerns.
type StatusLookup interface {
	StatusOf(path string) (types.Status, bool)
	Dependencies(path string) []string
	Children(path string) []string
	Dependents(path string) []string
	Parent(path string) (string, bool)
}

// CheckCompletionPreconditions implements spec §4.4's completion rule:
// every dependency must be COMPLETED, and every immediate child must be
// COMPLETED (the "immediate only" resolution of the open question — see
// DESIGN.md).
func CheckCompletionPreconditions(lookup StatusLookup, path string) error {
	var blockedBy []string
	for _, dep := range lookup.Dependencies(path) {
		if status, ok := lookup.StatusOf(dep); !ok || status != types.StatusCompleted {
			blockedBy = append(blockedBy, dep)
		}
	}
	if len(blockedBy) > 0 {
		return apperr.New(apperr.KindBlockedByDependencies, "statemachine.CheckCompletionPreconditions", "dependencies not completed", nil).WithOffending(blockedBy)
	}

	var incomplete []string
	for _, child := range lookup.Children(path) {
		if status, ok := lookup.StatusOf(child); !ok || status != types.StatusCompleted {
			incomplete = append(incomplete, child)
		}
	}
	if len(incomplete) > 0 {
		return apperr.New(apperr.KindIncompleteSubtasks, "statemachine.CheckCompletionPreconditions", "subtasks not completed", nil).WithOffending(incomplete)
	}
	return nil
}

// ShouldAutoBlock implements spec §4.4's automatic-blocking rule: a task in
// PENDING or IN_PROGRESS whose dependencies include any FAILED task must
// move to BLOCKED. Pending/in-progress dependencies never trigger blocking.
func ShouldAutoBlock(lookup StatusLookup, path string, currentStatus types.Status) bool {
	if currentStatus != types.StatusPending && currentStatus != types.StatusInProgress {
		return false
	}
	for _, dep := range lookup.Dependencies(path) {
		if status, ok := lookup.StatusOf(dep); ok && status == types.StatusFailed {
			return true
		}
	}
	return false
}

// RollupStatus implements spec §4.4's parent rollup rule: examine siblings'
// statuses and return the status P should become, or ("", false) if no
// rollup applies (P is left unchanged).
func RollupStatus(lookup StatusLookup, parentPath string) (types.Status, bool) {
	children := lookup.Children(parentPath)
	if len(children) == 0 {
		return "", false
	}
	allCompleted, allFailed, allBlocked := true, true, true
	for _, c := range children {
		status, ok := lookup.StatusOf(c)
		if !ok {
			return "", false
		}
		if status != types.StatusCompleted {
			allCompleted = false
		}
		if status != types.StatusFailed {
			allFailed = false
		}
		if status != types.StatusBlocked {
			allBlocked = false
		}
	}
	switch {
	case allCompleted:
		return types.StatusCompleted, true
	case allFailed:
		return types.StatusFailed, true
	case allBlocked:
		return types.StatusBlocked, true
	default:
		return "", false
	}
}
