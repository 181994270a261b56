package api

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/atlas-mcp/taskengine/internal/config"
	"github.com/atlas-mcp/taskengine/internal/coordinator"
	"github.com/atlas-mcp/taskengine/internal/logging"
	"github.com/atlas-mcp/taskengine/internal/types"
)

func setupTestDispatcher(t *testing.T) (*Dispatcher, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "atlas-api-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	cfg := config.Config{
		StorageBaseDir:         tmpDir,
		StorageName:            "test",
		CacheSize:              100,
		MaxPathDepth:           10,
		MaxChildrenPerParent:   1000,
		MaxDependenciesPerTask: 50,
	}
	c, err := coordinator.Open(context.Background(), cfg, logging.Nop())
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open coordinator: %v", err)
	}
	return New(c), func() {
		c.Close(context.Background())
		os.RemoveAll(tmpDir)
	}
}

func mustArgs(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args failed: %v", err)
	}
	return data
}

func TestDispatchCreateAndGetTasksByStatus(t *testing.T) {
	d, cleanup := setupTestDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{
		Operation: OpCreateTask,
		Args:      mustArgs(t, &types.Task{Path: "proj/a", Name: "A", Type: types.TypeTask, Status: types.StatusPending}),
	})
	if !resp.Success {
		t.Fatalf("create_task failed: %s", resp.Error)
	}

	resp = d.Dispatch(ctx, Request{
		Operation: OpGetTasksByStatus,
		Args:      mustArgs(t, statusArgs{Status: types.StatusPending}),
	})
	if !resp.Success {
		t.Fatalf("get_tasks_by_status failed: %s", resp.Error)
	}
	var tasks []*types.Task
	if err := json.Unmarshal(resp.Data, &tasks); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Path != "proj/a" {
		t.Errorf("expected exactly proj/a, got %+v", tasks)
	}
}

func TestDispatchUnknownOperation(t *testing.T) {
	d, cleanup := setupTestDispatcher(t)
	defer cleanup()

	resp := d.Dispatch(context.Background(), Request{Operation: "not_a_real_operation"})
	if resp.Success {
		t.Fatalf("expected unknown operation to fail")
	}
}

func TestDispatchClearAllTasksRequiresConfirm(t *testing.T) {
	d, cleanup := setupTestDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{
		Operation: OpCreateTask,
		Args:      mustArgs(t, &types.Task{Path: "proj/a", Name: "A", Type: types.TypeTask, Status: types.StatusPending}),
	})
	if !resp.Success {
		t.Fatalf("create_task failed: %s", resp.Error)
	}

	resp = d.Dispatch(ctx, Request{Operation: OpClearAllTasks, Args: mustArgs(t, clearAllArgs{Confirm: false})})
	if resp.Success {
		t.Fatalf("expected clear_all_tasks without confirm to fail")
	}

	resp = d.Dispatch(ctx, Request{Operation: OpClearAllTasks, Args: mustArgs(t, clearAllArgs{Confirm: true})})
	if !resp.Success {
		t.Fatalf("expected confirmed clear_all_tasks to succeed: %s", resp.Error)
	}
}

func TestDispatchBulkTaskOperationsReportsPartialResultsOnFailure(t *testing.T) {
	d, cleanup := setupTestDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{
		Operation: OpCreateTask,
		Args:      mustArgs(t, &types.Task{Path: "proj/existing", Name: "Existing", Type: types.TypeTask, Status: types.StatusPending}),
	})
	if !resp.Success {
		t.Fatalf("setup create failed: %s", resp.Error)
	}

	ops := []coordinator.BatchOp{
		{Type: coordinator.BatchOpCreate, Task: &types.Task{Path: "proj/first", Name: "First", Type: types.TypeTask, Status: types.StatusPending}},
		{Type: coordinator.BatchOpCreate, Task: &types.Task{Path: "proj/existing", Name: "Dup", Type: types.TypeTask, Status: types.StatusPending}},
	}
	resp = d.Dispatch(ctx, Request{Operation: OpBulkTaskOperations, Args: mustArgs(t, bulkArgs{Operations: ops})})
	if resp.Success {
		t.Fatalf("expected bulk_task_operations to fail on duplicate path")
	}
	var results []coordinator.BatchOpResult
	if err := json.Unmarshal(resp.Data, &results); err != nil {
		t.Fatalf("expected per-op results even on failure, decode error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 per-op results, got %d", len(results))
	}
}
