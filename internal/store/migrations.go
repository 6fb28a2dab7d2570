package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Steps run in version
// order inside a single transaction each; a partially-applied step
// never leaves the schema_migrations table advanced.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS services (
				id              TEXT PRIMARY KEY,
				port            INTEGER UNIQUE,
				pid             INTEGER,
				cmd             TEXT,
				cwd             TEXT,
				status          TEXT NOT NULL DEFAULT 'assigned',
				created_at      INTEGER NOT NULL,
				last_seen       INTEGER NOT NULL,
				expires_at      INTEGER,
				restart_policy  TEXT,
				health_url      TEXT,
				tunnel_provider TEXT,
				tunnel_url      TEXT,
				paired_with     TEXT,
				owner_agent_id  TEXT,
				metadata        TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_services_status ON services(status)`,
			`CREATE INDEX IF NOT EXISTS idx_services_owner ON services(owner_agent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_services_expires_at ON services(expires_at)`,

			`CREATE TABLE IF NOT EXISTS endpoints (
				service_id TEXT NOT NULL,
				env        TEXT NOT NULL,
				url        TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (service_id, env)
			)`,

			`CREATE TABLE IF NOT EXISTS messages (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				channel    TEXT NOT NULL,
				payload    TEXT NOT NULL,
				sender     TEXT,
				created_at INTEGER NOT NULL,
				expires_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel, id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_expires_at ON messages(expires_at)`,

			`CREATE TABLE IF NOT EXISTS locks (
				name        TEXT PRIMARY KEY,
				owner       TEXT NOT NULL,
				pid         INTEGER,
				acquired_at INTEGER NOT NULL,
				expires_at  INTEGER NOT NULL,
				metadata    TEXT
			)`,

			`CREATE TABLE IF NOT EXISTS agents (
				id                 TEXT PRIMARY KEY,
				name               TEXT,
				type               TEXT,
				pid                INTEGER,
				registered_at      INTEGER NOT NULL,
				last_heartbeat     INTEGER NOT NULL,
				max_services       INTEGER NOT NULL DEFAULT 0,
				max_locks          INTEGER NOT NULL DEFAULT 0,
				identity_project   TEXT,
				identity_stack     TEXT,
				identity_context   TEXT,
				purpose            TEXT,
				worktree_id        TEXT,
				status             TEXT NOT NULL DEFAULT 'active'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_identity_project ON agents(identity_project)`,

			`CREATE TABLE IF NOT EXISTS resurrection_queue (
				old_id     TEXT PRIMARY KEY,
				new_id     TEXT,
				context    TEXT,
				state      TEXT NOT NULL DEFAULT 'pending',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_resurrection_state ON resurrection_queue(state)`,

			`CREATE TABLE IF NOT EXISTS sessions (
				id           TEXT PRIMARY KEY,
				purpose      TEXT NOT NULL,
				status       TEXT NOT NULL DEFAULT 'active',
				agent_id     TEXT,
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL,
				completed_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_agent_id ON sessions(agent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,

			`CREATE TABLE IF NOT EXISTS session_file_claims (
				session_id  TEXT NOT NULL,
				file_path   TEXT NOT NULL,
				claimed_at  INTEGER NOT NULL,
				released_at INTEGER,
				PRIMARY KEY (session_id, file_path),
				FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_file_claims_path ON session_file_claims(file_path)`,

			`CREATE TABLE IF NOT EXISTS session_notes (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				content    TEXT NOT NULL,
				type       TEXT NOT NULL DEFAULT 'note',
				created_at INTEGER NOT NULL,
				FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notes_session_id ON session_notes(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_notes_created_at ON session_notes(created_at)`,

			`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
				id         TEXT PRIMARY KEY,
				url        TEXT NOT NULL,
				events     TEXT NOT NULL,
				secret     TEXT,
				filter     TEXT,
				active     INTEGER NOT NULL DEFAULT 1,
				created_at INTEGER NOT NULL,
				metadata   TEXT
			)`,

			`CREATE TABLE IF NOT EXISTS webhook_deliveries (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				subscription_id TEXT NOT NULL,
				event           TEXT NOT NULL,
				payload         TEXT NOT NULL,
				timestamp       INTEGER NOT NULL,
				status_code     INTEGER,
				success         INTEGER NOT NULL DEFAULT 0,
				attempt_count   INTEGER NOT NULL DEFAULT 0,
				next_retry_at   INTEGER,
				last_error      TEXT,
				FOREIGN KEY (subscription_id) REFERENCES webhook_subscriptions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON webhook_deliveries(subscription_id)`,
			`CREATE INDEX IF NOT EXISTS idx_deliveries_next_retry ON webhook_deliveries(next_retry_at)`,

			`CREATE TABLE IF NOT EXISTS activity_entries (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp  INTEGER NOT NULL,
				type       TEXT NOT NULL,
				agent_id   TEXT,
				target_id  TEXT,
				details    TEXT,
				metadata   TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity_entries(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_type ON activity_entries(type)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_target ON activity_entries(target_id)`,

			`CREATE TABLE IF NOT EXISTS projects (
				id           TEXT PRIMARY KEY,
				root         TEXT,
				type         TEXT,
				config       TEXT,
				services     TEXT,
				last_scanned INTEGER,
				created_at   INTEGER NOT NULL,
				metadata     TEXT
			)`,

			`CREATE TABLE IF NOT EXISTS agent_inbox (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				agent_id   TEXT NOT NULL,
				content    TEXT NOT NULL,
				sender     TEXT,
				read       INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_agent_id ON agent_inbox(agent_id, id)`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_unread ON agent_inbox(agent_id, read)`,
		},
	},
}

// migrate applies every migration whose version exceeds the current
// schema_migrations watermark, in order, each in its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, s.clock.NowMS(),
		)
		return err
	})
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, wrapDBError("read schema version", err)
	}
	return v, nil
}
