package store

import (
	"context"
	"database/sql"
)

const agentColumns = `id, name, type, pid, registered_at, last_heartbeat, max_services, max_locks,
	identity_project, identity_stack, identity_context, purpose, worktree_id, status`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var pid sql.NullInt64
	if err := row.Scan(
		&a.ID, &a.Name, &a.Type, &pid, &a.RegisteredAt, &a.LastHeartbeat, &a.MaxServices, &a.MaxLocks,
		&a.IdentityProject, &a.IdentityStack, &a.IdentityContext, &a.Purpose, &a.WorktreeID, &a.Status,
	); err != nil {
		return nil, err
	}
	if pid.Valid {
		p := int(pid.Int64)
		a.PID = &p
	}
	return &a, nil
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, wrapDBError("get agent", err)
	}
	return a, nil
}

// ListAgents returns agents, optionally filtered by status.
func (s *Store) ListAgents(ctx context.Context, status string) ([]Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBError("list agents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, wrapDBError("scan agent", err)
		}
		out = append(out, *a)
	}
	return out, wrapDBError("iterate agents", rows.Err())
}

// ListAgentsByProject returns agents sharing identity_project, for
// salvage-hint lookups during registration.
func (s *Store) ListAgentsByProject(ctx context.Context, project, status string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE identity_project = ? AND status = ? ORDER BY id`,
		project, status,
	)
	if err != nil {
		return nil, wrapDBError("list agents by project", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, wrapDBError("scan agent", err)
		}
		out = append(out, *a)
	}
	return out, wrapDBError("iterate agents by project", rows.Err())
}

// UpsertAgent inserts or updates an agent by id (idempotent register).
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, type = excluded.type, pid = excluded.pid,
			last_heartbeat = excluded.last_heartbeat, max_services = excluded.max_services,
			max_locks = excluded.max_locks, identity_project = excluded.identity_project,
			identity_stack = excluded.identity_stack, identity_context = excluded.identity_context,
			purpose = excluded.purpose, worktree_id = excluded.worktree_id, status = excluded.status
	`,
		a.ID, a.Name, a.Type, nullableInt(a.PID), a.RegisteredAt, a.LastHeartbeat, a.MaxServices, a.MaxLocks,
		a.IdentityProject, a.IdentityStack, a.IdentityContext, a.Purpose, a.WorktreeID, a.Status,
	)
	return wrapDBError("upsert agent", err)
}

// UpdateHeartbeat refreshes last_heartbeat for an existing agent.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string, now int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat = ?, status = 'active' WHERE id = ?`, now, id)
	if err != nil {
		return wrapDBError("update heartbeat", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgentTx removes an agent row within tx.
func (s *Store) DeleteAgentTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return false, wrapDBError("delete agent", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateAgentStatusTx sets status for id within tx.
func (s *Store) UpdateAgentStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`, status, id)
	return wrapDBError("update agent status", err)
}

// StaleAgents returns active or stale agents whose last_heartbeat is
// older than cutoff, for the reaper's stale scan.
func (s *Store) StaleAgents(ctx context.Context, cutoff int64) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status IN ('active', 'stale') AND last_heartbeat < ? ORDER BY id`,
		cutoff,
	)
	if err != nil {
		return nil, wrapDBError("list stale agents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, wrapDBError("scan agent", err)
		}
		out = append(out, *a)
	}
	return out, wrapDBError("iterate stale agents", rows.Err())
}

// --- Resurrection queue ---

func scanResurrection(row interface{ Scan(...any) error }) (*ResurrectionEntry, error) {
	var r ResurrectionEntry
	var newID sql.NullString
	if err := row.Scan(&r.OldID, &newID, &r.Context, &r.State, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if newID.Valid {
		r.NewID = &newID.String
	}
	return &r, nil
}

// InsertResurrectionTx creates a pending resurrection entry within tx.
func (s *Store) InsertResurrectionTx(ctx context.Context, tx *sql.Tx, r ResurrectionEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO resurrection_queue (old_id, new_id, context, state, created_at, updated_at)
		VALUES (?, NULL, ?, ?, ?, ?)
		ON CONFLICT (old_id) DO UPDATE SET context = excluded.context, state = excluded.state, updated_at = excluded.updated_at
	`, r.OldID, r.Context, r.State, r.CreatedAt, r.UpdatedAt)
	return wrapDBError("insert resurrection entry", err)
}

// GetResurrection returns the entry for oldID.
func (s *Store) GetResurrection(ctx context.Context, oldID string) (*ResurrectionEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT old_id, new_id, context, state, created_at, updated_at FROM resurrection_queue WHERE old_id = ?`,
		oldID,
	)
	r, err := scanResurrection(row)
	if err != nil {
		return nil, wrapDBError("get resurrection entry", err)
	}
	return r, nil
}

// ListPendingResurrections returns pending entries, optionally
// filtered by project via a join against the context blob is not
// possible in SQL, so callers filter by project after decoding
// Context; this returns every pending/resurrecting entry.
func (s *Store) ListPendingResurrections(ctx context.Context) ([]ResurrectionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT old_id, new_id, context, state, created_at, updated_at FROM resurrection_queue WHERE state IN ('pending', 'resurrecting') ORDER BY created_at`,
	)
	if err != nil {
		return nil, wrapDBError("list pending resurrections", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ResurrectionEntry
	for rows.Next() {
		r, err := scanResurrection(rows)
		if err != nil {
			return nil, wrapDBError("scan resurrection entry", err)
		}
		out = append(out, *r)
	}
	return out, wrapDBError("iterate resurrections", rows.Err())
}

// UpdateResurrectionState transitions an entry's state, optionally
// recording newID (on claim).
func (s *Store) UpdateResurrectionState(ctx context.Context, oldID, state string, newID *string, now int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE resurrection_queue SET state = ?, new_id = COALESCE(?, new_id), updated_at = ? WHERE old_id = ?`,
		state, nullableStringPtr(newID), now, oldID,
	)
	if err != nil {
		return wrapDBError("update resurrection state", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableStringPtr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// --- Agent inbox ---

// InsertInboxMessage posts a directed message to agentID's inbox.
func (s *Store) InsertInboxMessage(ctx context.Context, agentID, content, sender string, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_inbox (agent_id, content, sender, read, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, agentID, content, nullableString(sender), now)
	if err != nil {
		return 0, wrapDBError("insert inbox message", err)
	}
	return res.LastInsertId()
}

// ListInbox returns inbox rows for agentID, newest first, optionally
// filtered to unread only.
func (s *Store) ListInbox(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]InboxMessage, error) {
	q := `SELECT id, agent_id, content, sender, read, created_at FROM agent_inbox WHERE agent_id = ?`
	args := []any{agentID}
	if unreadOnly {
		q += ` AND read = 0`
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBError("list inbox", err)
	}
	defer func() { _ = rows.Close() }()

	var out []InboxMessage
	for rows.Next() {
		var m InboxMessage
		var sender sql.NullString
		var read int
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Content, &sender, &read, &m.CreatedAt); err != nil {
			return nil, wrapDBError("scan inbox message", err)
		}
		m.Sender = sender.String
		m.Read = read != 0
		out = append(out, m)
	}
	return out, wrapDBError("iterate inbox", rows.Err())
}

// InboxStats summarizes an agent's inbox.
type InboxStats struct {
	Unread         int64  `json:"unread"`
	Total          int64  `json:"total"`
	OldestUnreadAt *int64 `json:"oldestUnreadAt,omitempty"`
}

// GetInboxStats computes unread/total counts and the oldest unread
// timestamp for agentID.
func (s *Store) GetInboxStats(ctx context.Context, agentID string) (InboxStats, error) {
	var stats InboxStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN read = 0 THEN 1 ELSE 0 END), 0) FROM agent_inbox WHERE agent_id = ?`,
		agentID,
	).Scan(&stats.Total, &stats.Unread)
	if err != nil {
		return stats, wrapDBError("get inbox stats", err)
	}

	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM agent_inbox WHERE agent_id = ? AND read = 0`, agentID,
	).Scan(&oldest)
	if err != nil {
		return stats, wrapDBError("get oldest unread", err)
	}
	if oldest.Valid {
		stats.OldestUnreadAt = &oldest.Int64
	}
	return stats, nil
}

// MarkAllRead marks every inbox row for agentID as read.
func (s *Store) MarkAllRead(ctx context.Context, agentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_inbox SET read = 1 WHERE agent_id = ? AND read = 0`, agentID)
	if err != nil {
		return 0, wrapDBError("mark inbox read", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearInbox deletes every inbox row for agentID.
func (s *Store) ClearInbox(ctx context.Context, agentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_inbox WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, wrapDBError("clear inbox", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
