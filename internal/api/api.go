// Package api is a thin, in-process operation-name surface over
// internal/coordinator — not the external tool-protocol server spec.md §1
// scopes out (that would be a network-facing request dispatcher; this is a
// library entry point a caller embeds directly, the same relationship the
// teacher's internal/rpc package has to its own storage core, minus the
// socket).
package api

import (
	"context"
	"encoding/json"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/coordinator"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// Operation names every request carries, mirroring the teacher's
// internal/rpc op-constant naming style (lowercase, underscore-separated).
const (
	OpCreateTask         = "create_task"
	OpUpdateTask         = "update_task"
	OpDeleteTask         = "delete_task"
	OpGetTasksByStatus   = "get_tasks_by_status"
	OpGetTasksByPath     = "get_tasks_by_path"
	OpGetSubtasks        = "get_subtasks"
	OpNewlyUnblocked     = "newly_unblocked"
	OpBulkTaskOperations = "bulk_task_operations"
	OpClearAllTasks      = "clear_all_tasks"
	OpVacuumDatabase     = "vacuum_database"
	OpRepairRelationships = "repair_relationships"
)

// Request is a single named operation with JSON-encoded arguments, matching
// the teacher's Operation+Args request envelope shape.
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args"`
}

// Response mirrors the teacher's Success/Data/Error envelope.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Dispatcher routes Requests to Coordinator operations.
type Dispatcher struct {
	c *coordinator.Coordinator
}

// New builds a Dispatcher over an already-open Coordinator.
func New(c *coordinator.Coordinator) *Dispatcher { return &Dispatcher{c: c} }

// Dispatch decodes req.Args according to req.Operation, invokes the matching
// Coordinator method, and encodes the result. Unknown operations and
// argument-decoding failures are reported as ordinary error Responses, not
// panics.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	switch req.Operation {
	case OpCreateTask:
		return d.createTask(ctx, req.Args)
	case OpUpdateTask:
		return d.updateTask(ctx, req.Args)
	case OpDeleteTask:
		return d.deleteTask(ctx, req.Args)
	case OpGetTasksByStatus:
		return d.getTasksByStatus(req.Args)
	case OpGetTasksByPath:
		return d.getTasksByPath(ctx, req.Args)
	case OpGetSubtasks:
		return d.getSubtasks(req.Args)
	case OpNewlyUnblocked:
		return d.newlyUnblocked(req.Args)
	case OpBulkTaskOperations:
		return d.bulkTaskOperations(ctx, req.Args)
	case OpClearAllTasks:
		return d.clearAllTasks(ctx, req.Args)
	case OpVacuumDatabase:
		return d.vacuumDatabase(ctx, req.Args)
	case OpRepairRelationships:
		return d.repairRelationships(ctx, req.Args)
	default:
		return errResponse(apperr.New(apperr.KindPathInvalid, "api.Dispatch", "unknown operation", map[string]any{"operation": req.Operation}))
	}
}

func errResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

func okResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errResponse(apperr.Wrap(apperr.KindInternal, "api.okResponse", "encode response", err, nil))
	}
	return Response{Success: true, Data: data}
}

func (d *Dispatcher) createTask(ctx context.Context, args json.RawMessage) Response {
	var task types.Task
	if err := json.Unmarshal(args, &task); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.createTask", "decode args", err, nil))
	}
	created, err := d.c.CreateTask(ctx, &task)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(created)
}

type updateTaskArgs struct {
	Path   string                `json:"path"`
	Update coordinator.TaskUpdate `json:"update"`
}

func (d *Dispatcher) updateTask(ctx context.Context, args json.RawMessage) Response {
	var a updateTaskArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.updateTask", "decode args", err, nil))
	}
	updated, err := d.c.UpdateTask(ctx, a.Path, a.Update)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(updated)
}

type pathArgs struct {
	Path string `json:"path"`
}

func (d *Dispatcher) deleteTask(ctx context.Context, args json.RawMessage) Response {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.deleteTask", "decode args", err, nil))
	}
	if err := d.c.DeleteTask(ctx, a.Path); err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]any{"deleted": a.Path})
}

type statusArgs struct {
	Status types.Status `json:"status"`
}

func (d *Dispatcher) getTasksByStatus(args json.RawMessage) Response {
	var a statusArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.getTasksByStatus", "decode args", err, nil))
	}
	tasks, err := d.c.GetTasksByStatus(a.Status)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(tasks)
}

type globArgs struct {
	Pattern string `json:"pattern"`
}

func (d *Dispatcher) getTasksByPath(ctx context.Context, args json.RawMessage) Response {
	var a globArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.getTasksByPath", "decode args", err, nil))
	}
	tasks, err := d.c.GetTasksByPath(ctx, a.Pattern)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(tasks)
}

func (d *Dispatcher) getSubtasks(args json.RawMessage) Response {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.getSubtasks", "decode args", err, nil))
	}
	return okResponse(d.c.GetSubtasks(a.Path))
}

func (d *Dispatcher) newlyUnblocked(args json.RawMessage) Response {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.newlyUnblocked", "decode args", err, nil))
	}
	return okResponse(d.c.NewlyUnblocked(a.Path))
}

type bulkArgs struct {
	Operations []coordinator.BatchOp `json:"operations"`
}

func (d *Dispatcher) bulkTaskOperations(ctx context.Context, args json.RawMessage) Response {
	var a bulkArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.bulkTaskOperations", "decode args", err, nil))
	}
	results, err := d.c.BulkTaskOperations(ctx, a.Operations)
	if err != nil {
		// results still carries per-op detail (including NOT_EXECUTED markers),
		// so it is returned alongside the aggregate failure rather than discarded.
		data, encErr := json.Marshal(results)
		if encErr == nil {
			return Response{Success: false, Data: data, Error: err.Error()}
		}
		return errResponse(err)
	}
	return okResponse(results)
}

type clearAllArgs struct {
	Confirm bool `json:"confirm"`
}

func (d *Dispatcher) clearAllTasks(ctx context.Context, args json.RawMessage) Response {
	var a clearAllArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.clearAllTasks", "decode args", err, nil))
	}
	count, err := d.c.ClearAllTasks(ctx, a.Confirm)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]any{"cleared": count})
}

type vacuumArgs struct {
	Analyze bool `json:"analyze"`
}

func (d *Dispatcher) vacuumDatabase(ctx context.Context, args json.RawMessage) Response {
	var a vacuumArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.vacuumDatabase", "decode args", err, nil))
	}
	result, err := d.c.VacuumDatabase(ctx, a.Analyze)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(result)
}

type repairArgs struct {
	PathPattern string `json:"pathPattern"`
	DryRun      bool   `json:"dryRun"`
}

func (d *Dispatcher) repairRelationships(ctx context.Context, args json.RawMessage) Response {
	var a repairArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResponse(apperr.Wrap(apperr.KindPathInvalid, "api.repairRelationships", "decode args", err, nil))
	}
	result, err := d.c.RepairRelationships(ctx, a.PathPattern, a.DryRun)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(result)
}
