package store

import (
	"context"
	"database/sql"
)

func scanSubscription(row interface{ Scan(...any) error }) (*WebhookSubscription, error) {
	var w WebhookSubscription
	var secret, filter sql.NullString
	var active int
	if err := row.Scan(&w.ID, &w.URL, &w.Events, &secret, &filter, &active, &w.CreatedAt, (*[]byte)(&w.Metadata)); err != nil {
		return nil, err
	}
	w.Secret = secret.String
	w.Filter = filter.String
	w.Active = active != 0
	return &w, nil
}

// GetSubscription returns a webhook subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, events, secret, filter, active, created_at, metadata FROM webhook_subscriptions WHERE id = ?`,
		id,
	)
	w, err := scanSubscription(row)
	if err != nil {
		return nil, wrapDBError("get subscription", err)
	}
	return w, nil
}

// ListSubscriptions returns every subscription, optionally restricted
// to active ones.
func (s *Store) ListSubscriptions(ctx context.Context, activeOnly bool) ([]WebhookSubscription, error) {
	q := `SELECT id, url, events, secret, filter, active, created_at, metadata FROM webhook_subscriptions`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrapDBError("list subscriptions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WebhookSubscription
	for rows.Next() {
		w, err := scanSubscription(rows)
		if err != nil {
			return nil, wrapDBError("scan subscription", err)
		}
		out = append(out, *w)
	}
	return out, wrapDBError("iterate subscriptions", rows.Err())
}

// InsertSubscription creates a new webhook subscription.
func (s *Store) InsertSubscription(ctx context.Context, w WebhookSubscription) error {
	active := 0
	if w.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, url, events, secret, filter, active, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.URL, w.Events, nullableString(w.Secret), nullableString(w.Filter), active, w.CreatedAt, w.Metadata)
	return wrapDBError("insert subscription", err)
}

// UpdateSubscription replaces the mutable fields of a subscription.
func (s *Store) UpdateSubscription(ctx context.Context, w WebhookSubscription) error {
	active := 0
	if w.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET url = ?, events = ?, secret = ?, filter = ?, active = ?, metadata = ?
		WHERE id = ?
	`, w.URL, w.Events, nullableString(w.Secret), nullableString(w.Filter), active, w.Metadata, w.ID)
	if err != nil {
		return wrapDBError("update subscription", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription; deliveries cascade via
// the foreign key.
func (s *Store) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return false, wrapDBError("delete subscription", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanDelivery(row interface{ Scan(...any) error }) (*WebhookDelivery, error) {
	var d WebhookDelivery
	var statusCode, nextRetryAt sql.NullInt64
	var lastError sql.NullString
	var success int
	if err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.Event, &d.Payload, &d.Timestamp, &statusCode, &success,
		&d.AttemptCount, &nextRetryAt, &lastError,
	); err != nil {
		return nil, err
	}
	if statusCode.Valid {
		c := int(statusCode.Int64)
		d.StatusCode = &c
	}
	d.Success = success != 0
	if nextRetryAt.Valid {
		d.NextRetryAt = &nextRetryAt.Int64
	}
	d.LastError = lastError.String
	return &d, nil
}

// InsertDelivery creates a pending delivery row and returns its id.
func (s *Store) InsertDelivery(ctx context.Context, d WebhookDelivery) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (subscription_id, event, payload, timestamp, status_code, success, attempt_count, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, NULL, 0, 0, ?, NULL)
	`, d.SubscriptionID, d.Event, d.Payload, d.Timestamp, nullableInt64(d.NextRetryAt))
	if err != nil {
		return 0, wrapDBError("insert delivery", err)
	}
	return res.LastInsertId()
}

// RecordDeliveryAttempt stores the outcome of one delivery attempt.
func (s *Store) RecordDeliveryAttempt(ctx context.Context, id int64, statusCode *int, success bool, lastError string, nextRetryAt *int64) error {
	s1 := 0
	if success {
		s1 = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status_code = ?, success = ?, attempt_count = attempt_count + 1, next_retry_at = ?, last_error = ?
		WHERE id = ?
	`, nullableInt(statusCode), s1, nullableInt64(nextRetryAt), nullableString(lastError), id)
	return wrapDBError("record delivery attempt", err)
}

// PendingDeliveries returns deliveries not yet successful whose
// next_retry_at has elapsed (or was never set, for brand-new rows).
// Rows at or past maxAttempts are abandoned and never returned.
func (s *Store) PendingDeliveries(ctx context.Context, now int64, maxAttempts int) ([]WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscription_id, event, payload, timestamp, status_code, success, attempt_count, next_retry_at, last_error
		FROM webhook_deliveries
		WHERE success = 0 AND attempt_count < ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY id
	`, maxAttempts, now)
	if err != nil {
		return nil, wrapDBError("list pending deliveries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, wrapDBError("scan delivery", err)
		}
		out = append(out, *d)
	}
	return out, wrapDBError("iterate pending deliveries", rows.Err())
}

// ListDeliveries returns deliveries for a subscription, newest first.
func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscription_id, event, payload, timestamp, status_code, success, attempt_count, next_retry_at, last_error
		FROM webhook_deliveries WHERE subscription_id = ? ORDER BY id DESC LIMIT ?
	`, subscriptionID, limit)
	if err != nil {
		return nil, wrapDBError("list deliveries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, wrapDBError("scan delivery", err)
		}
		out = append(out, *d)
	}
	return out, wrapDBError("iterate deliveries", rows.Err())
}

// TrimDeliveries removes successful deliveries older than cutoff.
func (s *Store) TrimDeliveries(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE timestamp < ? AND success = 1`, cutoff)
	if err != nil {
		return 0, wrapDBError("trim deliveries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RescheduleElapsedDeliveries bumps next_retry_at forward to now for
// deliveries stuck below it (used by the reaper to nudge a backlog
// along, and at boot to reschedule everything pending).
func (s *Store) RescheduleElapsedDeliveries(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET next_retry_at = ?
		WHERE success = 0 AND next_retry_at IS NOT NULL AND next_retry_at < ?
	`, now, now)
	if err != nil {
		return 0, wrapDBError("reschedule deliveries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
