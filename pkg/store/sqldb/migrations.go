// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Migration represents a single database migration.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// The schema uses portable column types only (TEXT, BIGINT, DOUBLE
// PRECISION) so the same statements run on sqlite and postgres. Entity
// payloads live in JSON doc columns; dedicated columns exist only where
// lookups or atomic updates need them.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS organizations (
				id TEXT PRIMARY KEY,
				doc TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				org_id TEXT NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS teams (
				id TEXT PRIMARY KEY,
				org_id TEXT NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS team_members (
				team_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				PRIMARY KEY (team_id, user_id)
			)`,
			`CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				org_id TEXT NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				doc TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS chat_api_keys (
				id TEXT PRIMARY KEY,
				org_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				scope TEXT NOT NULL,
				user_id TEXT,
				team_id TEXT,
				secret_id TEXT,
				created_at_ms BIGINT NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_api_keys_lookup
				ON chat_api_keys (org_id, provider, scope)`,
			`CREATE TABLE IF NOT EXISTS secrets (
				id TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS mcp_catalog_items (
				id TEXT PRIMARY KEY,
				doc TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS mcp_servers (
				id TEXT PRIMARY KEY,
				catalog_id TEXT NOT NULL,
				created_at_ms BIGINT NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_mcp_servers_catalog
				ON mcp_servers (catalog_id)`,
			`CREATE TABLE IF NOT EXISTS tools (
				id TEXT PRIMARY KEY,
				name TEXT UNIQUE NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS mcp_sessions (
				connection_key TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				endpoint_url TEXT,
				endpoint_pod TEXT,
				updated_at_ms BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS interactions (
				id TEXT PRIMARY KEY,
				created_at_ms BIGINT NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS limits (
				id TEXT PRIMARY KEY,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				limit_type TEXT NOT NULL,
				limit_value DOUBLE PRECISION NOT NULL,
				models TEXT NOT NULL,
				last_cleanup_ms BIGINT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_limits_entity
				ON limits (entity_type, entity_id)`,
			`CREATE TABLE IF NOT EXISTS limit_usages (
				limit_id TEXT NOT NULL,
				model TEXT NOT NULL,
				tokens_in BIGINT NOT NULL DEFAULT 0,
				tokens_out BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (limit_id, model)
			)`,
			`CREATE TABLE IF NOT EXISTS tool_call_logs (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL,
				created_at_ms BIGINT NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tool_call_logs_agent
				ON tool_call_logs (agent_id, created_at_ms)`,
		},
	},
}

// Migrate applies all pending migrations to the database.
func Migrate(db *sql.DB, dialect Dialect) error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version BIGINT PRIMARY KEY,
			applied_at_ms BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	slog.Info("Current database schema version", "version", currentVersion)

	for _, m := range migrations {
		if m.Version > currentVersion {
			slog.Info("Applying migration", "version", m.Version, "description", m.Description)
			if err := applyMigration(db, dialect, m); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
			}
			currentVersion = m.Version
		}
	}

	slog.Info("Database migration completed", "version", currentVersion)
	return nil
}

func applyMigration(db *sql.DB, dialect Dialect, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		rebind(dialect, "INSERT INTO schema_versions (version, applied_at_ms) VALUES (?, ?)"),
		m.Version, nowMilli(),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}
