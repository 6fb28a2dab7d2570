package store

import (
	"context"
	"database/sql"
)

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var agentID sql.NullString
	var completedAt sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.Purpose, &sess.Status, &agentID, &sess.CreatedAt, &sess.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if agentID.Valid {
		sess.AgentID = &agentID.String
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Int64
	}
	return &sess, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, purpose, status, agent_id, created_at, updated_at, completed_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, wrapDBError("get session", err)
	}
	return sess, nil
}

// GetActiveSessionForAgent returns the agent's active session, if any.
func (s *Store) GetActiveSessionForAgent(ctx context.Context, agentID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, purpose, status, agent_id, created_at, updated_at, completed_at
		 FROM sessions WHERE agent_id = ? AND status = 'active' ORDER BY created_at DESC LIMIT 1`,
		agentID,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, wrapDBError("get active session", err)
	}
	return sess, nil
}

// ListSessions returns sessions, optionally filtered by agent or
// status.
func (s *Store) ListSessions(ctx context.Context, agentID, status string) ([]Session, error) {
	q := `SELECT id, purpose, status, agent_id, created_at, updated_at, completed_at FROM sessions WHERE 1=1`
	var args []any
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBError("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrapDBError("scan session", err)
		}
		out = append(out, *sess)
	}
	return out, wrapDBError("iterate sessions", rows.Err())
}

// InsertSession creates a new session row.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, purpose, status, agent_id, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Purpose, sess.Status, nullableStringPtr(sess.AgentID), sess.CreatedAt, sess.UpdatedAt, nullableInt64(sess.CompletedAt))
	return wrapDBError("insert session", err)
}

// UpdateSessionStatus transitions status (and stamps completed_at when
// leaving active).
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string, now int64) error {
	var completedAt any
	if status != "active" {
		completedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		status, now, completedAt, id,
	)
	if err != nil {
		return wrapDBError("update session status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAgentSessionsAbandonedTx abandons every active session owned by
// agentID within tx (used by the reaper on agent death).
func (s *Store) MarkAgentSessionsAbandonedTx(ctx context.Context, tx *sql.Tx, agentID string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'abandoned', updated_at = ?, completed_at = ? WHERE agent_id = ? AND status = 'active'`,
		now, now, agentID,
	)
	return wrapDBError("abandon agent sessions", err)
}

// DeleteSession removes a session row; file claims and notes cascade
// via the foreign key ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, wrapDBError("delete session", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- File claims ---

// ActiveFileClaims returns every unreleased claim on filePath across
// all sessions, for overlap detection.
func (s *Store) ActiveFileClaims(ctx context.Context, filePath string) ([]SessionFileClaim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, file_path, claimed_at, released_at FROM session_file_claims
		 WHERE file_path = ? AND released_at IS NULL`,
		filePath,
	)
	if err != nil {
		return nil, wrapDBError("list active file claims", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionFileClaim
	for rows.Next() {
		var c SessionFileClaim
		var released sql.NullInt64
		if err := rows.Scan(&c.SessionID, &c.FilePath, &c.ClaimedAt, &released); err != nil {
			return nil, wrapDBError("scan file claim", err)
		}
		if released.Valid {
			c.ReleasedAt = &released.Int64
		}
		out = append(out, c)
	}
	return out, wrapDBError("iterate file claims", rows.Err())
}

// ListFileClaims returns every claim (released or not) for sessionID.
func (s *Store) ListFileClaims(ctx context.Context, sessionID string) ([]SessionFileClaim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, file_path, claimed_at, released_at FROM session_file_claims
		 WHERE session_id = ? ORDER BY file_path`,
		sessionID,
	)
	if err != nil {
		return nil, wrapDBError("list file claims", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionFileClaim
	for rows.Next() {
		var c SessionFileClaim
		var released sql.NullInt64
		if err := rows.Scan(&c.SessionID, &c.FilePath, &c.ClaimedAt, &released); err != nil {
			return nil, wrapDBError("scan file claim", err)
		}
		if released.Valid {
			c.ReleasedAt = &released.Int64
		}
		out = append(out, c)
	}
	return out, wrapDBError("iterate file claims", rows.Err())
}

// InsertFileClaim claims filePath for sessionID.
func (s *Store) InsertFileClaim(ctx context.Context, sessionID, filePath string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_file_claims (session_id, file_path, claimed_at, released_at)
		VALUES (?, ?, ?, NULL)
		ON CONFLICT (session_id, file_path) DO UPDATE SET claimed_at = excluded.claimed_at, released_at = NULL
	`, sessionID, filePath, now)
	return wrapDBError("insert file claim", err)
}

// ReleaseFileClaim soft-releases filePath for sessionID.
func (s *Store) ReleaseFileClaim(ctx context.Context, sessionID, filePath string, now int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_file_claims SET released_at = ? WHERE session_id = ? AND file_path = ? AND released_at IS NULL`,
		now, sessionID, filePath,
	)
	if err != nil {
		return wrapDBError("release file claim", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseAllFileClaimsTx soft-releases every open claim for sessionID
// within tx (called when a session transitions out of active).
func (s *Store) ReleaseAllFileClaimsTx(ctx context.Context, tx *sql.Tx, sessionID string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE session_file_claims SET released_at = ? WHERE session_id = ? AND released_at IS NULL`,
		now, sessionID,
	)
	return wrapDBError("release all file claims", err)
}

// --- Notes ---

// InsertNote appends an immutable note to sessionID.
func (s *Store) InsertNote(ctx context.Context, sessionID, content, noteType string, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_notes (session_id, content, type, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, content, noteType, now)
	if err != nil {
		return 0, wrapDBError("insert note", err)
	}
	return res.LastInsertId()
}

// ListNotes returns notes for sessionID, oldest first.
func (s *Store) ListNotes(ctx context.Context, sessionID string) ([]SessionNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, content, type, created_at FROM session_notes WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, wrapDBError("list notes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionNote
	for rows.Next() {
		var n SessionNote
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Content, &n.Type, &n.CreatedAt); err != nil {
			return nil, wrapDBError("scan note", err)
		}
		out = append(out, n)
	}
	return out, wrapDBError("iterate notes", rows.Err())
}

// RecentNotes returns the most recent notes across every session,
// newest first.
func (s *Store) RecentNotes(ctx context.Context, limit int) ([]SessionNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, content, type, created_at FROM session_notes ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, wrapDBError("recent notes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionNote
	for rows.Next() {
		var n SessionNote
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Content, &n.Type, &n.CreatedAt); err != nil {
			return nil, wrapDBError("scan note", err)
		}
		out = append(out, n)
	}
	return out, wrapDBError("iterate recent notes", rows.Err())
}

// TrimNotesForInactiveSessions deletes notes older than cutoff that
// belong to completed or abandoned sessions.
func (s *Store) TrimNotesForInactiveSessions(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session_notes
		WHERE created_at < ? AND session_id IN (
			SELECT id FROM sessions WHERE status IN ('completed', 'abandoned')
		)
	`, cutoff)
	if err != nil {
		return 0, wrapDBError("trim inactive session notes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
