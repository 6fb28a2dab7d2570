package store

import (
	"context"
	"database/sql"
)

const serviceColumns = `id, port, pid, cmd, cwd, status, created_at, last_seen, expires_at,
	restart_policy, health_url, tunnel_provider, tunnel_url, paired_with, owner_agent_id, metadata`

func scanService(row interface{ Scan(...any) error }) (*Service, error) {
	var svc Service
	var port, pid sql.NullInt64
	var expiresAt sql.NullInt64
	if err := row.Scan(
		&svc.ID, &port, &pid, &svc.Cmd, &svc.Cwd, &svc.Status, &svc.CreatedAt, &svc.LastSeen, &expiresAt,
		&svc.RestartPolicy, &svc.HealthURL, &svc.TunnelProvider, &svc.TunnelURL, &svc.PairedWith,
		&svc.OwnerAgentID, (*[]byte)(&svc.Metadata),
	); err != nil {
		return nil, err
	}
	if port.Valid {
		p := int(port.Int64)
		svc.Port = &p
	}
	if pid.Valid {
		p := int(pid.Int64)
		svc.PID = &p
	}
	if expiresAt.Valid {
		svc.ExpiresAt = &expiresAt.Int64
	}
	return &svc, nil
}

// GetService returns a service by its semantic identity.
func (s *Store) GetService(ctx context.Context, id string) (*Service, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
	svc, err := scanService(row)
	if err != nil {
		return nil, wrapDBError("get service", err)
	}
	return svc, nil
}

// ServiceFilter narrows ListServices results. Zero-value fields are
// unfiltered.
type ServiceFilter struct {
	LikePattern string // SQL LIKE pattern over id, already escaped by identity.ToLikeClause
	Status      string
	Port        *int
	ExpiredOnly bool
	Now         int64 // required when ExpiredOnly is set
}

// ListServices returns services matching filter, ordered by id.
func (s *Store) ListServices(ctx context.Context, f ServiceFilter) ([]Service, error) {
	q := `SELECT ` + serviceColumns + ` FROM services WHERE 1=1`
	var args []any
	if f.LikePattern != "" {
		q += ` AND id LIKE ? ESCAPE '\'`
		args = append(args, f.LikePattern)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Port != nil {
		q += ` AND port = ?`
		args = append(args, *f.Port)
	}
	if f.ExpiredOnly {
		q += ` AND expires_at IS NOT NULL AND expires_at < ?`
		args = append(args, f.Now)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBError("list services", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, wrapDBError("scan service", err)
		}
		out = append(out, *svc)
	}
	return out, wrapDBError("iterate services", rows.Err())
}

// HeldPorts returns the set of ports currently occupied by live
// service rows.
func (s *Store) HeldPorts(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port FROM services WHERE port IS NOT NULL`)
	if err != nil {
		return nil, wrapDBError("list held ports", err)
	}
	defer func() { _ = rows.Close() }()

	held := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, wrapDBError("scan held port", err)
		}
		held[p] = true
	}
	return held, wrapDBError("iterate held ports", rows.Err())
}

// CountServicesByOwner returns how many live service rows are owned by
// ownerAgentID, for quota enforcement.
func (s *Store) CountServicesByOwner(ctx context.Context, ownerAgentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM services WHERE owner_agent_id = ?`, ownerAgentID,
	).Scan(&n)
	if err != nil {
		return 0, wrapDBError("count services by owner", err)
	}
	return n, nil
}

// InsertServiceTx inserts a new service row within tx. Returns
// ErrConflict if the port or id is already taken.
func (s *Store) InsertServiceTx(ctx context.Context, tx *sql.Tx, svc Service) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		svc.ID, nullableInt(svc.Port), nullableInt(svc.PID), svc.Cmd, svc.Cwd, svc.Status,
		svc.CreatedAt, svc.LastSeen, nullableInt64(svc.ExpiresAt),
		svc.RestartPolicy, svc.HealthURL, svc.TunnelProvider, svc.TunnelURL, svc.PairedWith,
		svc.OwnerAgentID, svc.Metadata,
	)
	return wrapDBError("insert service", err)
}

// DeleteServiceTx removes a service row by id within tx.
func (s *Store) DeleteServiceTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return false, wrapDBError("delete service", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteServicesByOwnerTx removes every service row owned by
// ownerAgentID within tx, returning the released ports.
func (s *Store) DeleteServicesByOwnerTx(ctx context.Context, tx *sql.Tx, ownerAgentID string) ([]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT port FROM services WHERE owner_agent_id = ? AND port IS NOT NULL`, ownerAgentID)
	if err != nil {
		return nil, wrapDBError("select owned ports", err)
	}
	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			_ = rows.Close()
			return nil, wrapDBError("scan owned port", err)
		}
		ports = append(ports, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate owned ports", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE owner_agent_id = ?`, ownerAgentID); err != nil {
		return nil, wrapDBError("delete owned services", err)
	}
	return ports, nil
}

// UpdateLastSeenTx refreshes last_seen for an existing service row.
func (s *Store) UpdateLastSeenTx(ctx context.Context, tx *sql.Tx, id string, lastSeen int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE services SET last_seen = ? WHERE id = ?`, lastSeen, id)
	return wrapDBError("update last_seen", err)
}

// UpsertEndpoint sets the URL for a (service_id, env) pair.
func (s *Store) UpsertEndpoint(ctx context.Context, serviceID, env, url string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (service_id, env, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (service_id, env) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at
	`, serviceID, env, url, now, now)
	return wrapDBError("upsert endpoint", err)
}

// ListEndpoints returns every endpoint bound to serviceID.
func (s *Store) ListEndpoints(ctx context.Context, serviceID string) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service_id, env, url, created_at, updated_at FROM endpoints WHERE service_id = ? ORDER BY env`,
		serviceID,
	)
	if err != nil {
		return nil, wrapDBError("list endpoints", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		if err := rows.Scan(&e.ServiceID, &e.Env, &e.URL, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, wrapDBError("scan endpoint", err)
		}
		out = append(out, e)
	}
	return out, wrapDBError("iterate endpoints", rows.Err())
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
