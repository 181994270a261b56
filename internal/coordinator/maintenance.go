package coordinator

import (
	"context"
	"fmt"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/index"
	"github.com/atlas-mcp/taskengine/internal/journal"
	"github.com/atlas-mcp/taskengine/internal/store"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// VacuumResult reports the outcome of VacuumDatabase.
type VacuumResult struct {
	Vacuumed  bool
	Analyzed  bool
	SizeBefore int64
	SizeAfter  int64
}

// VacuumDatabase implements spec §6's vacuumDatabase operation: runs
// SQLite's own VACUUM (reclaiming space left by deleted rows) and,
// optionally, ANALYZE to refresh the query planner's statistics. It runs a
// TRUNCATE checkpoint first so VACUUM is not fighting an open WAL.
func (c *Coordinator) VacuumDatabase(ctx context.Context, analyze bool) (*VacuumResult, error) {
	if _, err := c.store.Journal().Checkpoint(ctx, journal.CheckpointTruncate); err != nil {
		return nil, err
	}

	before, err := databaseSize(ctx, c.store)
	if err != nil {
		return nil, err
	}

	if _, err := c.store.DB().ExecContext(ctx, "VACUUM"); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "coordinator.VacuumDatabase", "vacuum failed", err, nil)
	}

	result := &VacuumResult{Vacuumed: true, SizeBefore: before}
	if analyze {
		if _, err := c.store.DB().ExecContext(ctx, "ANALYZE"); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageIO, "coordinator.VacuumDatabase", "analyze failed", err, nil)
		}
		result.Analyzed = true
	}

	after, err := databaseSize(ctx, c.store)
	if err != nil {
		return nil, err
	}
	result.SizeAfter = after
	return result, nil
}

func databaseSize(ctx context.Context, st *store.Store) (int64, error) {
	var pageCount, pageSize int64
	if err := st.DB().QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, apperr.Wrap(apperr.KindStorageIO, "coordinator.databaseSize", "read page_count", err, nil)
	}
	if err := st.DB().QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, apperr.Wrap(apperr.KindStorageIO, "coordinator.databaseSize", "read page_size", err, nil)
	}
	return pageCount * pageSize, nil
}

// RepairResult reports what RepairRelationships found or fixed.
type RepairResult struct {
	Fixed  int
	Issues []string
}

// RepairRelationships implements spec §6's repairRelationships operation:
// scans the tasks matching pathPattern (or every task, if empty) for
// dangling parent/dependency references and, unless dryRun is set, clears
// them so the hierarchy and dependency indices stay internally consistent.
// Grounded on the same orphan-detection shape the teacher's hierarchy
// validator applies, generalized here to run over both the parent edge and
// the dependency edges.
func (c *Coordinator) RepairRelationships(ctx context.Context, pathPattern string, dryRun bool) (*RepairResult, error) {
	tasks, err := c.store.Scan(ctx, store.ScanFilter{PathGlob: pathPattern})
	if err != nil {
		return nil, err
	}
	all := tasks
	if pathPattern != "" {
		// references may point outside the pattern; check them against every task
		if all, err = c.store.Scan(ctx, store.ScanFilter{}); err != nil {
			return nil, err
		}
	}
	known := make(map[string]bool, len(all))
	for _, t := range all {
		known[t.Path] = true
	}

	result := &RepairResult{}
	for _, t := range tasks {
		dirty := false

		if t.ParentPath != "" && !known[t.ParentPath] {
			result.Issues = append(result.Issues, fmt.Sprintf("%s: parent %q does not exist", t.Path, t.ParentPath))
			if !dryRun {
				t.ParentPath = ""
				dirty = true
			}
		}

		var survivingDeps []string
		for _, dep := range t.Dependencies {
			if known[dep] {
				survivingDeps = append(survivingDeps, dep)
				continue
			}
			result.Issues = append(result.Issues, fmt.Sprintf("%s: dependency %q does not exist", t.Path, dep))
			if !dryRun {
				dirty = true
			}
		}

		if dryRun || !dirty {
			continue
		}
		t.Dependencies = survivingDeps
		if err := c.store.Update(ctx, t, t.Version); err != nil {
			return result, err
		}
		result.Fixed++
	}

	if !dryRun && result.Fixed > 0 {
		if err := index.Rebuild(ctx, c.index, func(ctx context.Context, offset, batchSize int) ([]*types.Task, error) {
			return c.store.Scan(ctx, store.ScanFilter{Limit: batchSize, Offset: offset})
		}); err != nil {
			return result, err
		}
	}
	return result, nil
}
