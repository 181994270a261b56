package backup

import (
	"compress/gzip"
	"context"
	"os"
	"testing"
	"time"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/store"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// fakeStore is an in-memory stand-in for *store.Store, exercising the
// backup pipeline's contract without a real database.
type fakeStore struct {
	tasks     map[string]*types.Task
	knowledge map[string]*types.Knowledge
	dirty     map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]*types.Task{}, knowledge: map[string]*types.Knowledge{}, dirty: map[string]bool{}}
}

func (f *fakeStore) Scan(ctx context.Context, filter store.ScanFilter) ([]*types.Task, error) {
	var out []*types.Task
	for _, t := range f.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (f *fakeStore) MultiGet(ctx context.Context, paths []string) ([]*types.Task, error) {
	var out []*types.Task
	for _, p := range paths {
		if t, ok := f.tasks[p]; ok {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) ListKnowledge(ctx context.Context) ([]*types.Knowledge, error) {
	var out []*types.Knowledge
	for _, k := range f.knowledge {
		clone := *k
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeStore) PutKnowledge(ctx context.Context, k *types.Knowledge) error {
	clone := *k
	f.knowledge[k.ID] = &clone
	return nil
}

func (f *fakeStore) ClearKnowledge(ctx context.Context) error {
	f.knowledge = map[string]*types.Knowledge{}
	return nil
}

func (f *fakeStore) DirtyPaths(ctx context.Context) ([]string, error) {
	var out []string
	for p := range f.dirty {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) ClearDirty(ctx context.Context) error {
	f.dirty = map[string]bool{}
	return nil
}

func (f *fakeStore) Create(ctx context.Context, task *types.Task) error {
	if _, exists := f.tasks[task.Path]; exists {
		return apperr.New(apperr.KindDuplicateKey, "fakeStore.Create", "task already exists", nil)
	}
	clone := task.Clone()
	clone.Version = 1
	f.tasks[task.Path] = clone
	f.dirty[task.Path] = true
	return nil
}

func (f *fakeStore) Update(ctx context.Context, task *types.Task, expectedVersion int64) error {
	existing, ok := f.tasks[task.Path]
	if !ok {
		return apperr.New(apperr.KindNotFound, "fakeStore.Update", "task not found", nil)
	}
	if expectedVersion != 0 && existing.Version != expectedVersion {
		return apperr.New(apperr.KindVersionConflict, "fakeStore.Update", "version conflict", nil)
	}
	clone := task.Clone()
	clone.Version = existing.Version + 1
	f.tasks[task.Path] = clone
	f.dirty[task.Path] = true
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	dir := t.TempDir()
	m, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fs := newFakeStore()
	m.Bind(fs)
	return m, fs
}

func TestExportImportRoundTrip(t *testing.T) {
	m, fs := newTestManager(t)
	ctx := context.Background()

	fs.tasks["proj/a"] = &types.Task{Path: "proj/a", Name: "A", Type: types.TypeTask, Status: types.StatusPending, ProjectPath: "proj", Version: 1}
	fs.tasks["proj/b"] = &types.Task{Path: "proj/b", Name: "B", Type: types.TypeTask, Status: types.StatusPending, ProjectPath: "proj", ParentPath: "proj/a", Version: 1}
	fs.knowledge["old-id"] = &types.Knowledge{ID: "old-id", ProjectPath: "proj", Text: "some fact"}

	path, err := m.Export(ctx, false)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file to exist: %v", err)
	}

	fresh, _ := newTestManager(t)
	fresh.dir = m.dir
	freshStore := newFakeStore()
	fresh.Bind(freshStore)

	result, err := fresh.Import(ctx, path)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.TasksCreated != 2 {
		t.Errorf("expected 2 tasks created, got %d", result.TasksCreated)
	}
	if result.KnowledgeCount != 1 {
		t.Errorf("expected 1 knowledge item imported, got %d", result.KnowledgeCount)
	}
	for id := range freshStore.knowledge {
		if id == "old-id" {
			t.Errorf("expected knowledge id to be regenerated on import, kept old id %q", id)
		}
	}
}

func TestImportRejectsDocumentMissingRequiredFields(t *testing.T) {
	m, _ := newTestManager(t)
	path := m.dir + "/bad.json.gz"

	raw := []byte(`{"metadata":{"timestamp":"2024-01-01T00:00:00Z","version":"1.0.0"}}`)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("setup create failed: %v", err)
	}
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(raw); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}
	gw.Close()
	f.Close()

	if _, err := m.Import(context.Background(), path); err == nil {
		t.Fatalf("expected import to refuse a document missing projects/tasks/knowledge keys")
	}
}

func TestImportRejectsInvalidSemver(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	path := m.dir + "/badver.json.gz"

	doc := Document{
		Metadata: Metadata{Timestamp: "2024-01-01T00:00:00Z", Version: "not-a-version"},
		Projects: []types.Project{}, Tasks: []*types.Task{}, Knowledge: []*types.Knowledge{},
	}
	if err := writeGzipJSON(path, doc); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	if _, err := m.Import(ctx, path); err == nil {
		t.Fatalf("expected import to reject a non-semver metadata.version")
	}
}

func TestIncrementalExportOnlyIncludesDirtyTasks(t *testing.T) {
	m, fs := newTestManager(t)
	ctx := context.Background()

	if err := fs.Create(ctx, &types.Task{Path: "proj/a", Name: "A", Type: types.TypeTask, Status: types.StatusPending}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := m.MarkExported(ctx); err != nil {
		t.Fatalf("mark exported failed: %v", err)
	}
	if err := fs.Create(ctx, &types.Task{Path: "proj/b", Name: "B", Type: types.TypeTask, Status: types.StatusPending}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	path, err := m.Export(ctx, true)
	if err != nil {
		t.Fatalf("incremental export failed: %v", err)
	}
	doc, err := readGzipJSON(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(doc.Tasks) != 1 || doc.Tasks[0].Path != "proj/b" {
		t.Errorf("expected incremental export to contain only proj/b, got %+v", doc.Tasks)
	}
}

func TestPruneRemovesByAgeAndCount(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_ = ctx

	names := []string{"atlas_backup_old.json.gz", "atlas_backup_mid.json.gz", "atlas_backup_new.json.gz"}
	times := []time.Time{
		time.Now().Add(-30 * 24 * time.Hour),
		time.Now().Add(-2 * 24 * time.Hour),
		time.Now(),
	}
	for i, name := range names {
		p := m.dir + "/" + name
		if err := writeGzipJSON(p, Document{Metadata: Metadata{Timestamp: "x", Version: "1.0.0"}}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if err := os.Chtimes(p, times[i], times[i]); err != nil {
			t.Fatalf("chtimes failed: %v", err)
		}
	}

	m.retentionDays = 7
	removed, err := m.Prune(time.Now())
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected exactly 1 snapshot removed by age, got %v", removed)
	}

	// mid and new survive the age pass; a count of 1 keeps only the newest.
	m.retentionCount = 1
	removed, err = m.Prune(time.Now())
	if err != nil {
		t.Fatalf("count prune failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != m.dir+"/"+names[1] {
		t.Fatalf("expected only %s removed by count, got %v", names[1], removed)
	}
}
