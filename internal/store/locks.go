package store

import (
	"context"
	"database/sql"
)

func scanLock(row interface{ Scan(...any) error }) (*Lock, error) {
	var l Lock
	var pid sql.NullInt64
	if err := row.Scan(&l.Name, &l.Owner, &pid, &l.AcquiredAt, &l.ExpiresAt, (*[]byte)(&l.Metadata)); err != nil {
		return nil, err
	}
	if pid.Valid {
		p := int(pid.Int64)
		l.PID = &p
	}
	return &l, nil
}

// GetLock returns the row for name regardless of liveness, or
// ErrNotFound.
func (s *Store) GetLock(ctx context.Context, name string) (*Lock, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, owner, pid, acquired_at, expires_at, metadata FROM locks WHERE name = ?`, name)
	l, err := scanLock(row)
	if err != nil {
		return nil, wrapDBError("get lock", err)
	}
	return l, nil
}

// GetLiveLock returns the row for name only if now < expires_at.
func (s *Store) GetLiveLock(ctx context.Context, name string, now int64) (*Lock, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, owner, pid, acquired_at, expires_at, metadata FROM locks WHERE name = ? AND expires_at > ?`,
		name, now,
	)
	l, err := scanLock(row)
	if err != nil {
		return nil, wrapDBError("get live lock", err)
	}
	return l, nil
}

// GetLiveLockTx is GetLiveLock within tx, so an acquire can check
// ownership and write the row in the same transaction.
func (s *Store) GetLiveLockTx(ctx context.Context, tx *sql.Tx, name string, now int64) (*Lock, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT name, owner, pid, acquired_at, expires_at, metadata FROM locks WHERE name = ? AND expires_at > ?`,
		name, now,
	)
	l, err := scanLock(row)
	if err != nil {
		return nil, wrapDBError("get live lock", err)
	}
	return l, nil
}

// ListLocks returns every live lock, optionally filtered by owner.
func (s *Store) ListLocks(ctx context.Context, owner string, now int64) ([]Lock, error) {
	q := `SELECT name, owner, pid, acquired_at, expires_at, metadata FROM locks WHERE expires_at > ?`
	args := []any{now}
	if owner != "" {
		q += ` AND owner = ?`
		args = append(args, owner)
	}
	q += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBError("list locks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, wrapDBError("scan lock", err)
		}
		out = append(out, *l)
	}
	return out, wrapDBError("iterate locks", rows.Err())
}

// UpsertLockTx inserts or replaces the row for name within tx. The
// ownership check must run inside the same tx (GetLiveLockTx) — a
// check in a prior transaction can be invalidated before this write
// commits.
func (s *Store) UpsertLockTx(ctx context.Context, tx *sql.Tx, l Lock) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO locks (name, owner, pid, acquired_at, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			owner = excluded.owner, pid = excluded.pid, acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at, metadata = excluded.metadata
	`, l.Name, l.Owner, nullableInt(l.PID), l.AcquiredAt, l.ExpiresAt, l.Metadata)
	return wrapDBError("upsert lock", err)
}

// ExtendLockTx shifts expires_at for an existing lock within tx.
func (s *Store) ExtendLockTx(ctx context.Context, tx *sql.Tx, name string, newExpiresAt int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE name = ?`, newExpiresAt, name)
	if err != nil {
		return wrapDBError("extend lock", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLockTx removes the row for name within tx.
func (s *Store) DeleteLockTx(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name)
	if err != nil {
		return false, wrapDBError("delete lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteLocksByOwnerTx removes every lock row owned by owner within tx.
func (s *Store) DeleteLocksByOwnerTx(ctx context.Context, tx *sql.Tx, owner string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE owner = ?`, owner)
	if err != nil {
		return 0, wrapDBError("delete locks by owner", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountLocksByOwner returns how many live lock rows owner currently
// holds, for quota enforcement.
func (s *Store) CountLocksByOwner(ctx context.Context, owner string, now int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM locks WHERE owner = ? AND expires_at > ?`, owner, now,
	).Scan(&n)
	if err != nil {
		return 0, wrapDBError("count locks by owner", err)
	}
	return n, nil
}
