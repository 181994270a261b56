package store

import (
	"context"
	"encoding/json"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// ListKnowledge returns every knowledge item, ordered by id, for the backup
// pipeline's full-snapshot export.
func (s *Store) ListKnowledge(ctx context.Context) ([]*types.Knowledge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_path, domain, text, tags, citations, created_at, updated_at
		FROM knowledge ORDER BY id`)
	if err != nil {
		return nil, wrapSQLErr("store.ListKnowledge", err)
	}
	defer rows.Close()

	var out []*types.Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, wrapSQLErr("store.ListKnowledge", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanKnowledge(row scannable) (*types.Knowledge, error) {
	var k types.Knowledge
	var tagsJSON, citationsJSON string
	if err := row.Scan(&k.ID, &k.ProjectPath, &k.Domain, &k.Text, &tagsJSON, &citationsJSON, &k.Created, &k.Updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &k.Tags); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "store.scanKnowledge", "decode tags", err, nil)
	}
	if err := json.Unmarshal([]byte(citationsJSON), &k.Citations); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "store.scanKnowledge", "decode citations", err, nil)
	}
	return &k, nil
}

// PutKnowledge upserts a knowledge item, used by the backup importer, which
// regenerates ids rather than trusting an imported document's own.
func (s *Store) PutKnowledge(ctx context.Context, k *types.Knowledge) error {
	tags, err := json.Marshal(k.Tags)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "store.PutKnowledge", "encode tags", err, nil)
	}
	citations, err := json.Marshal(k.Citations)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "store.PutKnowledge", "encode citations", err, nil)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge (id, project_path, domain, text, tags, citations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path, domain = excluded.domain, text = excluded.text,
			tags = excluded.tags, citations = excluded.citations, updated_at = excluded.updated_at`,
		k.ID, k.ProjectPath, k.Domain, k.Text, string(tags), string(citations), k.Created, k.Updated)
	if err != nil {
		return wrapSQLErr("store.PutKnowledge", err)
	}
	return nil
}

// ClearKnowledge removes every knowledge item, used by a full (non-
// incremental) import that replaces the existing set.
func (s *Store) ClearKnowledge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge`); err != nil {
		return wrapSQLErr("store.ClearKnowledge", err)
	}
	return nil
}
