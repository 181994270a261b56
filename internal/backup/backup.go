package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/logging"
	"github.com/atlas-mcp/taskengine/internal/store"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// Store is the subset of *store.Store the backup pipeline needs, kept
// narrow so tests can fake it without standing up a real database.
type Store interface {
	Scan(ctx context.Context, filter store.ScanFilter) ([]*types.Task, error)
	MultiGet(ctx context.Context, paths []string) ([]*types.Task, error)
	ListKnowledge(ctx context.Context) ([]*types.Knowledge, error)
	PutKnowledge(ctx context.Context, k *types.Knowledge) error
	ClearKnowledge(ctx context.Context) error
	DirtyPaths(ctx context.Context) ([]string, error)
	ClearDirty(ctx context.Context) error
	Create(ctx context.Context, task *types.Task) error
	Update(ctx context.Context, task *types.Task, expectedVersion int64) error
}

// Manager drives scheduled and on-demand snapshots against a Store and a
// directory on disk (spec.md §6's "Optional backup directory").
type Manager struct {
	store           Store
	dir             string
	retentionDays   int
	retentionCount  int
	logger          *logging.Logger
}

// Config configures a Manager.
type Config struct {
	Dir            string
	RetentionDays  int
	RetentionCount int
	Logger         *logging.Logger
}

// New builds a Manager rooted at cfg.Dir, creating the directory if needed.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "backup.New", "create backup directory", err, nil)
	}
	return &Manager{dir: cfg.Dir, retentionDays: cfg.RetentionDays, retentionCount: cfg.RetentionCount, logger: cfg.Logger}, nil
}

var _ Store = (*store.Store)(nil)

// Bind attaches the store this Manager exports from and imports into. Kept
// separate from New so the directory can be prepared before the store is
// ready during coordinator startup.
func (m *Manager) Bind(s Store) { m.store = s }

// Export writes a full or incremental gzip-compressed JSON snapshot and
// returns its path. Incremental mode exports only tasks marked dirty since
// the last call and does not clear the dirty set on its own — callers
// control when a successful export counts as "caught up" via ClearDirty.
func (m *Manager) Export(ctx context.Context, incremental bool) (string, error) {
	var tasks []*types.Task
	var err error
	if incremental {
		paths, derr := m.store.DirtyPaths(ctx)
		if derr != nil {
			return "", derr
		}
		tasks, err = m.store.MultiGet(ctx, paths)
	} else {
		tasks, err = m.store.Scan(ctx, store.ScanFilter{})
	}
	if err != nil {
		return "", err
	}

	knowledge, err := m.store.ListKnowledge(ctx)
	if err != nil {
		return "", err
	}

	doc := Document{
		Metadata: Metadata{
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Version:      DocumentVersion,
			DatabaseInfo: map[string]any{"taskCount": len(tasks), "incremental": incremental},
		},
		Projects:      projectsFromTasks(tasks),
		Tasks:         tasks,
		Knowledge:     knowledge,
		Relationships: relationshipsFromTasks(tasks),
	}

	name := fmt.Sprintf("atlas_backup_%s.json.gz", strings.ReplaceAll(doc.Metadata.Timestamp, ":", "-"))
	path := filepath.Join(m.dir, name)
	if err := writeGzipJSON(path, doc); err != nil {
		return "", err
	}

	m.logger.Info("backup.Export", "wrote snapshot", map[string]any{"path": path, "tasks": len(tasks), "incremental": incremental})
	return path, nil
}

// MarkExported clears the dirty set, telling the store that every task
// dirtied up to this point has been captured by a just-written snapshot.
// Separate from Export so a caller can inspect the snapshot before
// committing to "caught up" (e.g. verifying it uploaded successfully).
func (m *Manager) MarkExported(ctx context.Context) error {
	return m.store.ClearDirty(ctx)
}

func writeGzipJSON(path string, doc Document) error {
	f, err := os.Create(path)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "backup.Export", "create snapshot file", err, map[string]any{"path": path})
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	enc := json.NewEncoder(gw)
	if err := enc.Encode(doc); err != nil {
		gw.Close()
		return apperr.Wrap(apperr.KindStorageIO, "backup.Export", "encode snapshot", err, map[string]any{"path": path})
	}
	if err := gw.Close(); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "backup.Export", "flush snapshot", err, map[string]any{"path": path})
	}
	return nil
}

// ImportResult reports what Import did.
type ImportResult struct {
	TasksCreated    int
	TasksUpdated    int
	KnowledgeCount  int
}

// Import reads a snapshot file written by Export (or any bit-compatible
// producer), refuses it if metadata/projects/tasks/knowledge are absent, and
// regenerates every knowledge item's internal id rather than trusting the
// document's own (spec.md §6). Task paths are the durable primary key and
// are preserved as-is; tasks are created if their path is new and updated
// (version-checked) otherwise.
func (m *Manager) Import(ctx context.Context, path string) (*ImportResult, error) {
	doc, err := readGzipJSON(path)
	if err != nil {
		return nil, err
	}
	if err := doc.validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindPathInvalid, "backup.Import", "invalid backup document", err, map[string]any{"path": path})
	}
	if !semver.IsValid("v" + strings.TrimPrefix(doc.Metadata.Version, "v")) {
		return nil, apperr.New(apperr.KindPathInvalid, "backup.Import", "metadata.version is not valid semver", map[string]any{"version": doc.Metadata.Version})
	}

	result := &ImportResult{}

	sort.Slice(doc.Tasks, func(i, j int) bool {
		return len(strings.Split(doc.Tasks[i].Path, "/")) < len(strings.Split(doc.Tasks[j].Path, "/"))
	})
	for _, t := range doc.Tasks {
		existing, getErr := firstOrNil(m.store.MultiGet(ctx, []string{t.Path}))
		if getErr != nil {
			return result, getErr
		}
		if existing == nil {
			if err := m.store.Create(ctx, t); err != nil {
				return result, err
			}
			result.TasksCreated++
			continue
		}
		t.Version = existing.Version
		if err := m.store.Update(ctx, t, existing.Version); err != nil {
			return result, err
		}
		result.TasksUpdated++
	}

	if err := m.store.ClearKnowledge(ctx); err != nil {
		return result, err
	}
	for _, k := range doc.Knowledge {
		k.ID = uuid.NewString()
		if err := m.store.PutKnowledge(ctx, k); err != nil {
			return result, err
		}
		result.KnowledgeCount++
	}

	m.logger.Info("backup.Import", "restored snapshot", map[string]any{
		"path": path, "created": result.TasksCreated, "updated": result.TasksUpdated, "knowledge": result.KnowledgeCount,
	})
	return result, nil
}

func firstOrNil(tasks []*types.Task, err error) (*types.Task, error) {
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func readGzipJSON(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "backup.Import", "open snapshot file", err, map[string]any{"path": path})
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "backup.Import", "open gzip stream", err, map[string]any{"path": path})
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "backup.Import", "read snapshot", err, map[string]any{"path": path})
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "backup.Import", "decode snapshot", err, map[string]any{"path": path})
	}
	for _, key := range []string{"metadata", "projects", "tasks", "knowledge"} {
		if _, ok := probe[key]; !ok {
			return nil, apperr.New(apperr.KindPathInvalid, "backup.Import", "backup document missing required field", map[string]any{"field": key, "path": path})
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "backup.Import", "decode snapshot", err, map[string]any{"path": path})
	}
	return &doc, nil
}

// Prune deletes snapshots older than retentionDays and, among the
// survivors, keeps at most retentionCount (newest first) -- spec.md §6's
// age-based and count-based pruning, applied in that order.
func (m *Manager) Prune(now time.Time) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "backup.Prune", "list backup directory", err, nil)
	}

	type snapshot struct {
		path    string
		modTime time.Time
	}
	var snapshots []snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot{path: filepath.Join(m.dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].modTime.After(snapshots[j].modTime) })

	var removed []string
	var kept []snapshot
	for _, s := range snapshots {
		if m.retentionDays > 0 && now.Sub(s.modTime) > time.Duration(m.retentionDays)*24*time.Hour {
			removed = append(removed, s.path)
			continue
		}
		kept = append(kept, s)
	}
	if m.retentionCount > 0 && len(kept) > m.retentionCount {
		for _, s := range kept[m.retentionCount:] {
			removed = append(removed, s.path)
		}
		kept = kept[:m.retentionCount]
	}

	for _, path := range removed {
		if err := os.Remove(path); err != nil {
			m.logger.Warn("backup.Prune", "failed to remove expired snapshot", map[string]any{"path": path, "error": err.Error()})
		}
	}
	return removed, nil
}
