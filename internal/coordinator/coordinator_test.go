package coordinator

import (
	"context"
	"os"
	"testing"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/config"
	"github.com/atlas-mcp/taskengine/internal/logging"
	"github.com/atlas-mcp/taskengine/internal/types"
)

func setupTestCoordinator(t *testing.T) (*Coordinator, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "atlas-coordinator-test-*")
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
	c, err := Open(context.Background(), cfg, logging.Nop())
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open coordinator: %v", err)
	}
	return c, func() {
		c.Close(context.Background())
		os.RemoveAll(tmpDir)
	}
}

func sampleTask(path, name string) *types.Task {
	return &types.Task{Path: path, Name: name, Type: types.TypeTask, Status: types.StatusPending}
}

func TestCreateTaskRejectsMissingParent(t *testing.T) {
	c, cleanup := setupTestCoordinator(t)
	defer cleanup()
	ctx := context.Background()

	child := sampleTask("proj/child", "Child")
	child.ParentPath = "proj/does-not-exist"
	if _, err := c.CreateTask(ctx, child); err == nil {
		t.Fatalf("expected create to fail when parent does not exist")
	}
}

func TestCascadingDeletePropagatesBlockedToSurvivingDependent(t *testing.T) {
	c, cleanup := setupTestCoordinator(t)
	defer cleanup()
	ctx := context.Background()

	parent := sampleTask("proj/parent", "Parent")
	if _, err := c.CreateTask(ctx, parent); err != nil {
		t.Fatalf("create parent failed: %v", err)
	}

	child := sampleTask("proj/parent/child", "Child")
	child.ParentPath = "proj/parent"
	if _, err := c.CreateTask(ctx, child); err != nil {
		t.Fatalf("create child failed: %v", err)
	}

	dependent := sampleTask("proj/dependent", "Dependent")
	dependent.Dependencies = []string{"proj/parent/child"}
	if _, err := c.CreateTask(ctx, dependent); err != nil {
		t.Fatalf("create dependent failed: %v", err)
	}

	if err := c.DeleteTask(ctx, "proj/parent"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if c.Index().Exists("proj/parent") || c.Index().Exists("proj/parent/child") {
		t.Fatalf("expected parent and child to be evicted from index")
	}

	status, ok := c.Index().StatusOf("proj/dependent")
	if !ok {
		t.Fatalf("expected dependent to still be indexed")
	}
	if status != types.StatusBlocked {
		t.Errorf("expected dependent to become BLOCKED after losing its dependency, got %s", status)
	}
}

func TestBulkTaskOperationsAllowsChildBeforeParentWithinBatch(t *testing.T) {
	c, cleanup := setupTestCoordinator(t)
	defer cleanup()
	ctx := context.Background()

	ops := []BatchOp{
		{Type: BatchOpCreate, Task: &types.Task{Path: "proj/parent/child", Name: "Child", Type: types.TypeTask, Status: types.StatusPending, ParentPath: "proj/parent"}},
		{Type: BatchOpCreate, Task: &types.Task{Path: "proj/parent", Name: "Parent", Type: types.TypeTask, Status: types.StatusPending}},
	}

	results, err := c.BulkTaskOperations(ctx, ops)
	if err != nil {
		t.Fatalf("expected batch to succeed once parent exists by commit time, got: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("unexpected per-op error: %v", r.Err)
		}
	}
	if !c.Index().Exists("proj/parent") || !c.Index().Exists("proj/parent/child") {
		t.Fatalf("expected both tasks to be indexed after batch commit")
	}
}

func TestBulkTaskOperationsRollsBackAndMarksNotExecuted(t *testing.T) {
	c, cleanup := setupTestCoordinator(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := c.CreateTask(ctx, sampleTask("proj/existing", "Existing")); err != nil {
		t.Fatalf("setup create failed: %v", err)
	}

	ops := []BatchOp{
		{Type: BatchOpCreate, Task: &types.Task{Path: "proj/first", Name: "First", Type: types.TypeTask, Status: types.StatusPending}},
		{Type: BatchOpCreate, Task: &types.Task{Path: "proj/existing", Name: "Duplicate", Type: types.TypeTask, Status: types.StatusPending}},
		{Type: BatchOpCreate, Task: &types.Task{Path: "proj/third", Name: "Third", Type: types.TypeTask, Status: types.StatusPending}},
	}

	results, err := c.BulkTaskOperations(ctx, ops)
	if err == nil {
		t.Fatalf("expected batch to fail on duplicate path")
	}
	if results[1].Err == nil {
		t.Errorf("expected op 1 to carry the duplicate-key error")
	}
	if !results[2].NotExecuted {
		t.Errorf("expected op 2 to be marked NOT_EXECUTED")
	}
	if c.Index().Exists("proj/first") {
		t.Errorf("expected the whole batch to roll back, but proj/first was indexed")
	}
}

func TestClearAllTasksRequiresConfirmation(t *testing.T) {
	c, cleanup := setupTestCoordinator(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := c.CreateTask(ctx, sampleTask("proj/a", "A")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err := c.ClearAllTasks(ctx, false)
	if err == nil {
		t.Fatalf("expected ClearAllTasks without confirm to fail")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.KindConfirmationRequired {
		t.Errorf("expected KindConfirmationRequired, got %v", err)
	}

	if _, err := c.ClearAllTasks(ctx, true); err != nil {
		t.Fatalf("expected confirmed clear to succeed: %v", err)
	}
	if c.Index().Exists("proj/a") {
		t.Errorf("expected all tasks to be gone after confirmed clear")
	}
}

func TestNewlyUnblockedReportsDependentsWhoseLastBlockerCompleted(t *testing.T) {
	c, cleanup := setupTestCoordinator(t)
	defer cleanup()
	ctx := context.Background()

	blocker := sampleTask("proj/blocker", "Blocker")
	blocker.Status = types.StatusInProgress // PENDING -> COMPLETED is not a legal transition
	if _, err := c.CreateTask(ctx, blocker); err != nil {
		t.Fatalf("create blocker failed: %v", err)
	}
	dependent := sampleTask("proj/dependent", "Dependent")
	dependent.Dependencies = []string{"proj/blocker"}
	dependent.Status = types.StatusBlocked
	if _, err := c.CreateTask(ctx, dependent); err != nil {
		t.Fatalf("create dependent failed: %v", err)
	}

	status := types.StatusCompleted
	if _, err := c.UpdateTask(ctx, "proj/blocker", TaskUpdate{Status: &status}); err != nil {
		t.Fatalf("completing blocker failed: %v", err)
	}

	unblocked := c.NewlyUnblocked("proj/blocker")
	if len(unblocked) != 1 || unblocked[0] != "proj/dependent" {
		t.Errorf("expected proj/dependent to be newly unblocked, got %v", unblocked)
	}
}

func TestRepairRelationshipsDryRunReportsWithoutMutating(t *testing.T) {
	c, cleanup := setupTestCoordinator(t)
	defer cleanup()
	ctx := context.Background()

	task := sampleTask("proj/orphan", "Orphan")
	task.Dependencies = []string{"proj/does-not-exist"}
	// The dependencies table's foreign key rejects an edge to a missing task,
	// so enforcement is off just long enough to plant a dangling one.
	if _, err := c.store.DB().ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		t.Fatalf("disable foreign keys: %v", err)
	}
	if err := c.store.Create(ctx, task); err != nil {
		t.Fatalf("direct store create failed: %v", err)
	}
	if _, err := c.store.DB().ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}

	result, err := c.RepairRelationships(ctx, "", true)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if len(result.Issues) == 0 {
		t.Errorf("expected dangling dependency to be reported")
	}
	if result.Fixed != 0 {
		t.Errorf("dry run must not mutate, got Fixed=%d", result.Fixed)
	}

	result, err = c.RepairRelationships(ctx, "", false)
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if result.Fixed != 1 {
		t.Errorf("expected 1 task fixed, got %d", result.Fixed)
	}
}

func TestVacuumDatabaseReportsSize(t *testing.T) {
	c, cleanup := setupTestCoordinator(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := c.CreateTask(ctx, sampleTask("proj/a", "A")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := c.VacuumDatabase(ctx, true)
	if err != nil {
		t.Fatalf("vacuum failed: %v", err)
	}
	if !result.Vacuumed || !result.Analyzed {
		t.Errorf("expected both vacuum and analyze to run, got %+v", result)
	}
}
