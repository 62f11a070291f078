package activity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaVersionLatest/schemaChecksumLatest gate the DDL below behind the
// same checksum-ledger idiom clientstore.Store uses for its SQLite schema,
// adapted here to Postgres so the server daemon can bring up a bare
// database with no separate migration tool.
const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "activity-sync-server-v1-shared-tasks-activity"
)

// EnsureSchema creates the server's tables if they don't already exist,
// gated by a checksum-ledger row so a second instance starting against an
// already-migrated database is a no-op. Grounded on the teacher's
// internal/persistence/store.go migration ledger and on this package's own
// integration test schema (activity_integration_test.go's schemaDDL).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema migration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRow(ctx,
			`SELECT checksum FROM schema_migrations WHERE version = $1;`, schemaVersionLatest,
		).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q",
				schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit(ctx)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS organizations (id text PRIMARY KEY);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id text PRIMARY KEY,
			organization_id text NOT NULL,
			github_repository_id bigint NOT NULL,
			owner text NOT NULL,
			name text NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			UNIQUE(organization_id, github_repository_id)
		);`,
		`CREATE TABLE IF NOT EXISTS shared_tasks (
			id text PRIMARY KEY,
			organization_id text NOT NULL,
			project_id text NOT NULL,
			creator_user_id text NOT NULL,
			assignee_user_id text NOT NULL,
			title text NOT NULL,
			description text NOT NULL DEFAULT '',
			status text NOT NULL DEFAULT 'todo',
			version bigint NOT NULL DEFAULT 1,
			deleted_at timestamptz,
			deleted_by_user_id text,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shared_tasks_org ON shared_tasks(organization_id);`,
		`CREATE TABLE IF NOT EXISTS org_activity_counters (
			organization_id text PRIMARY KEY,
			last_seq bigint NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS activity (
			organization_id text NOT NULL,
			seq bigint NOT NULL,
			event_id text NOT NULL,
			event_type text NOT NULL,
			payload jsonb NOT NULL,
			created_at timestamptz NOT NULL,
			PRIMARY KEY (organization_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS github_oauth_tokens (
			organization_id text PRIMARY KEY,
			access_token text NOT NULL,
			refresh_token text NOT NULL,
			expires_at timestamptz NOT NULL,
			scopes text NOT NULL DEFAULT ''
		);`,
		fmt.Sprintf(`INSERT INTO schema_migrations (version, checksum) VALUES (%d, '%s');`,
			schemaVersionLatest, schemaChecksumLatest),
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w (%s)", err, stmt)
		}
	}
	return tx.Commit(ctx)
}
