package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version  int
	sqlite   string
	postgres string
}

// Schema history. Append only; never edit a shipped version.
var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS agents (
	agent_id        TEXT PRIMARY KEY,
	identity        TEXT NOT NULL UNIQUE,
	version         TEXT NOT NULL,
	capabilities    TEXT,
	operations      TEXT,
	schemas         TEXT,
	health_endpoint TEXT,
	status          TEXT NOT NULL,
	registered_at   TEXT NOT NULL,
	last_heartbeat  TEXT,
	metadata        TEXT
);
CREATE TABLE IF NOT EXISTS knowledge_bases (
	kb_id             TEXT PRIMARY KEY,
	kb_type           TEXT NOT NULL,
	endpoint          TEXT NOT NULL,
	operations        TEXT,
	kb_schema         TEXT,
	credentials       TEXT,
	status            TEXT NOT NULL,
	registered_at     TEXT NOT NULL,
	last_health_check TEXT,
	metadata          TEXT
);
CREATE TABLE IF NOT EXISTS policies (
	policy_id  TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	precedence INTEGER NOT NULL DEFAULT 0,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	metadata   TEXT
);
CREATE TABLE IF NOT EXISTS audit_logs (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	event_type       TEXT NOT NULL,
	source_id        TEXT NOT NULL,
	target_id        TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	timestamp        TEXT NOT NULL,
	request_metadata TEXT,
	policy_decision  TEXT,
	masked_fields    TEXT,
	full_request     TEXT,
	full_response    TEXT,
	provenance_chain TEXT
);`,
		postgres: `
CREATE TABLE IF NOT EXISTS agents (
	agent_id        TEXT PRIMARY KEY,
	identity        TEXT NOT NULL UNIQUE,
	version         TEXT NOT NULL,
	capabilities    TEXT,
	operations      TEXT,
	schemas         TEXT,
	health_endpoint TEXT,
	status          TEXT NOT NULL,
	registered_at   TEXT NOT NULL,
	last_heartbeat  TEXT,
	metadata        TEXT
);
CREATE TABLE IF NOT EXISTS knowledge_bases (
	kb_id             TEXT PRIMARY KEY,
	kb_type           TEXT NOT NULL,
	endpoint          TEXT NOT NULL,
	operations        TEXT,
	kb_schema         TEXT,
	credentials       TEXT,
	status            TEXT NOT NULL,
	registered_at     TEXT NOT NULL,
	last_health_check TEXT,
	metadata          TEXT
);
CREATE TABLE IF NOT EXISTS policies (
	policy_id  TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	precedence INTEGER NOT NULL DEFAULT 0,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	metadata   TEXT
);
CREATE TABLE IF NOT EXISTS audit_logs (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	event_type       TEXT NOT NULL,
	source_id        TEXT NOT NULL,
	target_id        TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	timestamp        TEXT NOT NULL,
	request_metadata TEXT,
	policy_decision  TEXT,
	masked_fields    TEXT,
	full_request     TEXT,
	full_response    TEXT,
	provenance_chain TEXT
);`,
	},
	{
		version: 2,
		sqlite: `
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_logs (event_type);
CREATE INDEX IF NOT EXISTS idx_audit_source ON audit_logs (source_id);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status);
CREATE INDEX IF NOT EXISTS idx_kbs_status ON knowledge_bases (status);`,
		postgres: `
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_logs (event_type);
CREATE INDEX IF NOT EXISTS idx_audit_source ON audit_logs (source_id);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status);
CREATE INDEX IF NOT EXISTS idx_kbs_status ON knowledge_bases (status);`,
	},
}

// Migrate applies pending migrations inside transactions and records each
// one in schema_migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		ddl := m.sqlite
		if s.driver == driverPostgres {
			ddl = m.postgres
		}
		if err := s.applyMigration(ctx, m.version, ddl); err != nil {
			return err
		}
		s.logger.Info("applied migration", "version", m.version)
	}
	return nil
}

func (s *SQLStore) applyMigration(ctx context.Context, version int, ddl string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migration %d failed: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
		version, time.Now().UTC().Format(timeFormat)); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}
	return tx.Commit()
}
