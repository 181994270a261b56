// Package backup implements the gzip-compressed JSON snapshot pipeline: a
// bit-compatible export/import document shape, scheduled pruning by age and
// count, and an incremental mode driven by the store's dirty-task tracking.
// It is deliberately separate from internal/coordinator (spec.md §1 scopes
// "graph-database export/import utilities" out of the transactional core),
// the same separation the teacher draws between its library core and its
// internal/export + internal/importer packages.
package backup

import (
	"fmt"

	"github.com/atlas-mcp/taskengine/internal/types"
)

// Metadata describes the snapshot itself.
type Metadata struct {
	Timestamp    string         `json:"timestamp"`
	Version      string         `json:"version"`
	DatabaseInfo map[string]any `json:"databaseInfo"`
}

// Document is the full backup file shape (spec.md §6), bit-compatible
// between what Export writes and what Import reads.
type Document struct {
	Metadata      Metadata              `json:"metadata"`
	Projects      []types.Project       `json:"projects"`
	Tasks         []*types.Task         `json:"tasks"`
	Knowledge     []*types.Knowledge    `json:"knowledge"`
	Relationships []types.Relationship  `json:"relationships"`
}

// DocumentVersion is stamped into every snapshot this package writes.
const DocumentVersion = "1.0.0"

// validate enforces spec.md §6's importer contract: metadata, projects,
// tasks, and knowledge must all be present (projects/tasks/knowledge may be
// empty slices, but the keys themselves must have been in the document --
// encoding/json leaves a nil slice for an absent key, so callers should
// check the parsed raw message before unmarshaling if they need to
// distinguish "absent" from "empty"; Import does that check explicitly).
func (d *Document) validate() error {
	if d.Metadata.Timestamp == "" {
		return fmt.Errorf("backup document missing metadata.timestamp")
	}
	if d.Metadata.Version == "" {
		return fmt.Errorf("backup document missing metadata.version")
	}
	return nil
}

// relationshipsFromTasks derives the export-only Relationship edges (parent
// hierarchy + dependency graph) from the living task set, since the core
// does not persist Relationship records itself (spec.md §3: "for backup/
// export only").
func relationshipsFromTasks(tasks []*types.Task) []types.Relationship {
	var out []types.Relationship
	for _, t := range tasks {
		if t.ParentPath != "" {
			out = append(out, types.Relationship{
				SourceID: t.ParentPath, SourceLabel: "Task",
				Type: "PARENT_OF", TargetID: t.Path, TargetLabel: "Task",
			})
		}
		for _, dep := range t.Dependencies {
			out = append(out, types.Relationship{
				SourceID: t.Path, SourceLabel: "Task",
				Type: "DEPENDS_ON", TargetID: dep, TargetLabel: "Task",
			})
		}
	}
	return out
}

// projectsFromTasks derives the Project synonym records (spec.md §3) from
// the distinct first path segments among tasks.
func projectsFromTasks(tasks []*types.Task) []types.Project {
	seen := make(map[string]bool)
	var out []types.Project
	for _, t := range tasks {
		p := types.FirstSegment(t.Path)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, types.Project{Path: p})
	}
	return out
}
