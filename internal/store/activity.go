package store

import (
	"context"
	"database/sql"
)

func scanActivity(row interface{ Scan(...any) error }) (*ActivityEntry, error) {
	var e ActivityEntry
	var agentID, targetID, details sql.NullString
	if err := row.Scan(&e.ID, &e.Timestamp, &e.Type, &agentID, &targetID, &details, (*[]byte)(&e.Metadata)); err != nil {
		return nil, err
	}
	e.AgentID = agentID.String
	e.TargetID = targetID.String
	e.Details = details.String
	return &e, nil
}

// InsertActivity appends an audit record. Within a transaction this
// should use InsertActivityTx instead so the record commits atomically
// with the operation it describes.
func (s *Store) InsertActivity(ctx context.Context, e ActivityEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_entries (timestamp, type, agent_id, target_id, details, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.Type, nullableString(e.AgentID), nullableString(e.TargetID), nullableString(e.Details), e.Metadata)
	return wrapDBError("insert activity", err)
}

// InsertActivityTx is InsertActivity scoped to an existing transaction.
func (s *Store) InsertActivityTx(ctx context.Context, tx *sql.Tx, e ActivityEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity_entries (timestamp, type, agent_id, target_id, details, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.Type, nullableString(e.AgentID), nullableString(e.TargetID), nullableString(e.Details), e.Metadata)
	return wrapDBError("insert activity", err)
}

// ActivityFilter narrows RecentActivity results.
type ActivityFilter struct {
	Type           string
	AgentID        string
	TargetLikePatt string
	Limit          int
}

// RecentActivity returns the most recent entries matching f, newest
// first.
func (s *Store) RecentActivity(ctx context.Context, f ActivityFilter) ([]ActivityEntry, error) {
	q := `SELECT id, timestamp, type, agent_id, target_id, details, metadata FROM activity_entries WHERE 1=1`
	var args []any
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.TargetLikePatt != "" {
		q += ` AND target_id LIKE ? ESCAPE '\'`
		args = append(args, f.TargetLikePatt)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBError("recent activity", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, wrapDBError("scan activity", err)
		}
		out = append(out, *e)
	}
	return out, wrapDBError("iterate activity", rows.Err())
}

// ActivityRange returns every entry with timestamp in [from, to].
func (s *Store) ActivityRange(ctx context.Context, from, to int64) ([]ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, type, agent_id, target_id, details, metadata FROM activity_entries
		 WHERE timestamp >= ? AND timestamp <= ? ORDER BY id`,
		from, to,
	)
	if err != nil {
		return nil, wrapDBError("activity range", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, wrapDBError("scan activity", err)
		}
		out = append(out, *e)
	}
	return out, wrapDBError("iterate activity range", rows.Err())
}

// ActivitySummary is one row of the group-by-type summary view.
type ActivitySummary struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// SummarizeActivity groups every row by type.
func (s *Store) SummarizeActivity(ctx context.Context) ([]ActivitySummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM activity_entries GROUP BY type ORDER BY type`)
	if err != nil {
		return nil, wrapDBError("summarize activity", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActivitySummary
	for rows.Next() {
		var s2 ActivitySummary
		if err := rows.Scan(&s2.Type, &s2.Count); err != nil {
			return nil, wrapDBError("scan activity summary", err)
		}
		out = append(out, s2)
	}
	return out, wrapDBError("iterate activity summary", rows.Err())
}

// ActivityStats aggregates basic counts and extremes over the whole
// log.
type ActivityStats struct {
	TotalCount int64  `json:"totalCount"`
	OldestAt   *int64 `json:"oldestAt,omitempty"`
	NewestAt   *int64 `json:"newestAt,omitempty"`
}

// ComputeActivityStats returns ActivityStats for the whole log.
func (s *Store) ComputeActivityStats(ctx context.Context) (ActivityStats, error) {
	var stats ActivityStats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM activity_entries`,
	).Scan(&stats.TotalCount, &oldest, &newest)
	if err != nil {
		return stats, wrapDBError("compute activity stats", err)
	}
	if oldest.Valid {
		stats.OldestAt = &oldest.Int64
	}
	if newest.Valid {
		stats.NewestAt = &newest.Int64
	}
	return stats, nil
}

// TrimActivity deletes rows older than cutoff, then (if still over
// maxRows) deletes the oldest rows until at most maxRows remain.
func (s *Store) TrimActivity(ctx context.Context, cutoff int64, maxRows int) (int64, error) {
	var total int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_entries WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, wrapDBError("trim activity by retention", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM activity_entries
		WHERE id NOT IN (SELECT id FROM activity_entries ORDER BY id DESC LIMIT ?)
	`, maxRows)
	if err != nil {
		return total, wrapDBError("trim activity by row cap", err)
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}
