package store

import (
	"context"
	"database/sql"
)

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var sender sql.NullString
	var expiresAt sql.NullInt64
	if err := row.Scan(&m.ID, &m.Channel, &m.Payload, &sender, &m.CreatedAt, &expiresAt); err != nil {
		return nil, err
	}
	m.Sender = sender.String
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Int64
	}
	return &m, nil
}

// InsertMessage appends a row to channel and returns its assigned id.
func (s *Store) InsertMessage(ctx context.Context, channel string, payload []byte, sender string, createdAt int64, expiresAt *int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (channel, payload, sender, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, channel, payload, nullableString(sender), createdAt, nullableInt64(expiresAt))
	if err != nil {
		return 0, wrapDBError("insert message", err)
	}
	return res.LastInsertId()
}

// GetMessagesSince returns up to limit rows on channel with id >
// afterID, ordered ascending.
func (s *Store) GetMessagesSince(ctx context.Context, channel string, afterID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, payload, sender, created_at, expires_at
		FROM messages
		WHERE channel = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, channel, afterID, limit)
	if err != nil {
		return nil, wrapDBError("get messages since", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapDBError("scan message", err)
		}
		out = append(out, *m)
	}
	return out, wrapDBError("iterate messages", rows.Err())
}

// ChannelSummary is one row of the channel list view.
type ChannelSummary struct {
	Channel     string `json:"channel"`
	Count       int64  `json:"count"`
	LastPublish int64  `json:"lastPublish"`
}

// ListChannels returns a summary for every channel with at least one
// row.
func (s *Store) ListChannels(ctx context.Context) ([]ChannelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, COUNT(*), MAX(created_at)
		FROM messages
		GROUP BY channel
		ORDER BY channel
	`)
	if err != nil {
		return nil, wrapDBError("list channels", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ChannelSummary
	for rows.Next() {
		var c ChannelSummary
		if err := rows.Scan(&c.Channel, &c.Count, &c.LastPublish); err != nil {
			return nil, wrapDBError("scan channel summary", err)
		}
		out = append(out, c)
	}
	return out, wrapDBError("iterate channels", rows.Err())
}

// ClearChannel deletes every row for channel, returning the count
// removed.
func (s *Store) ClearChannel(ctx context.Context, channel string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ?`, channel)
	if err != nil {
		return 0, wrapDBError("clear channel", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredMessages removes rows whose expires_at has elapsed.
func (s *Store) DeleteExpiredMessages(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, wrapDBError("delete expired messages", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TrimChannelDepth deletes the oldest rows on channel until at most
// maxDepth remain.
func (s *Store) TrimChannelDepth(ctx context.Context, channel string, maxDepth int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE channel = ? AND id NOT IN (
			SELECT id FROM messages WHERE channel = ? ORDER BY id DESC LIMIT ?
		)
	`, channel, channel, maxDepth)
	if err != nil {
		return 0, wrapDBError("trim channel depth", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ChannelsOverCap returns the names of channels whose row count exceeds
// maxDepth, for the reaper's trim pass.
func (s *Store) ChannelsOverCap(ctx context.Context, maxDepth int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel FROM messages GROUP BY channel HAVING COUNT(*) > ?
	`, maxDepth)
	if err != nil {
		return nil, wrapDBError("list channels over cap", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, wrapDBError("scan channel", err)
		}
		out = append(out, c)
	}
	return out, wrapDBError("iterate channels over cap", rows.Err())
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
