package store

import (
	"context"
	"database/sql"
)

// GetProject returns opaque scanner-owned project storage by id. The
// core never interprets config/services beyond passing them through.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	var lastScanned sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, root, type, config, services, last_scanned, created_at, metadata FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Root, &p.Type, (*[]byte)(&p.Config), (*[]byte)(&p.Services), &lastScanned, &p.CreatedAt, (*[]byte)(&p.Metadata))
	if err != nil {
		return nil, wrapDBError("get project", err)
	}
	if lastScanned.Valid {
		p.LastScanned = &lastScanned.Int64
	}
	return &p, nil
}

// UpsertProject writes opaque project storage.
func (s *Store) UpsertProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, root, type, config, services, last_scanned, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			root = excluded.root, type = excluded.type, config = excluded.config,
			services = excluded.services, last_scanned = excluded.last_scanned, metadata = excluded.metadata
	`, p.ID, p.Root, p.Type, p.Config, p.Services, nullableInt64(p.LastScanned), p.CreatedAt, p.Metadata)
	return wrapDBError("upsert project", err)
}

// DeleteProject removes project storage for id.
func (s *Store) DeleteProject(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return false, wrapDBError("delete project", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
