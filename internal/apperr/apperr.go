// Package apperr implements the tagged-variant error taxonomy used
// throughout the task engine (spec §7), replacing ad hoc string-wrapped
// errors with a single structured type every layer can test against with
// errors.As while still composing with fmt.Errorf's %w chains.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is one of the taxonomy's error categories.
type Kind string

const (
	// Validation
	KindPathInvalid         Kind = "PATH_INVALID"
	KindNameRequired        Kind = "NAME_REQUIRED"
	KindStatusUnknown       Kind = "STATUS_UNKNOWN"
	KindLimitExceeded       Kind = "LIMIT_EXCEEDED"
	KindConfirmationRequired Kind = "CONFIRMATION_REQUIRED"

	// Consistency
	KindDuplicateKey    Kind = "DUPLICATE_KEY"
	KindNotFound        Kind = "NOT_FOUND"
	KindVersionConflict Kind = "VERSION_CONFLICT"
	KindCycleDetected   Kind = "CYCLE_DETECTED"

	// State machine
	KindInvalidTransition     Kind = "INVALID_TRANSITION"
	KindBlockedByDependencies Kind = "BLOCKED_BY_DEPENDENCIES"
	KindIncompleteSubtasks    Kind = "INCOMPLETE_SUBTASKS"

	// Concurrency
	KindLockTimeout        Kind = "LOCK_TIMEOUT"
	KindTransactionAborted Kind = "TRANSACTION_ABORTED"

	// Storage
	KindStorageIO        Kind = "STORAGE_IO"
	KindStorageFull      Kind = "STORAGE_FULL"
	KindRecoveryRequired Kind = "RECOVERY_REQUIRED"
	KindCheckpointFailed Kind = "CHECKPOINT_FAILED"

	// Internal
	KindInternal Kind = "INTERNAL_ERROR"
)

// sensitiveKeys are redacted wherever they appear in a context map, at any
// nesting depth.
var sensitiveKeys = map[string]bool{
	"password": true, "secret": true, "token": true, "apikey": true,
	"api_key": true, "credential": true, "credentials": true,
}

// maxContextDepth caps how deep Context serialization will recurse.
const maxContextDepth = 10

// Error is the single structured error type used across the engine.
type Error struct {
	Kind      Kind
	Message   string
	Operation string
	Context   map[string]any
	cause     error
}

// New builds an Error with no wrapped cause.
func New(kind Kind, operation, message string, context map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Operation: operation, Context: redactContext(context, 0)}
}

// Wrap builds an Error that chains cause via %w so errors.Is/As still work
// across layers, matching the teacher's wrapping discipline.
func Wrap(kind Kind, operation, message string, cause error, context map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Operation: operation, Context: redactContext(context, 0), cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Operation != "" {
		b.WriteString(" in ")
		b.WriteString(e.Operation)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, apperr.New(kind, ...)) match purely on Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// WithOffending returns a copy of e with an "offending" context key set —
// used for BLOCKED_BY_DEPENDENCIES / INCOMPLETE_SUBTASKS, which must carry
// the list of offending paths (spec §4.4).
func (e *Error) WithOffending(paths []string) *Error {
	clone := *e
	ctx := make(map[string]any, len(clone.Context)+1)
	for k, v := range clone.Context {
		ctx[k] = v
	}
	ctx["offending"] = append([]string(nil), paths...)
	clone.Context = ctx
	return &clone
}

// redactContext produces a copy of ctx with sensitive keys replaced and
// circular references / excess depth guarded against, per spec §7.
func redactContext(ctx map[string]any, depth int) map[string]any {
	if ctx == nil {
		return nil
	}
	return redactValue(ctx, depth, make(map[any]bool)).(map[string]any)
}

func redactValue(v any, depth int, seen map[any]bool) any {
	if depth >= maxContextDepth {
		return "[Depth Limit Reached]"
	}
	switch t := v.(type) {
	case map[string]any:
		if seen[anyKeyFor(t)] {
			return "[Circular Reference]"
		}
		seen[anyKeyFor(t)] = true
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redactValue(t[k], depth+1, seen)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, depth+1, seen)
		}
		return out
	default:
		return v
	}
}

// anyKeyFor keys a map by its identity: Go maps aren't comparable, so the
// map's pointer address (formatted with %p) stands in as the key recorded in
// the seen set, letting a map that contains itself be detected as circular.
func anyKeyFor(m map[string]any) any {
	return fmt.Sprintf("%p", m)
}
