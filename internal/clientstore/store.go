// Package clientstore is the client synchronizer's local SQLite mirror: a
// denormalized copy of shared tasks plus a per-organization cursor recording
// how far the local state has caught up with the server's activity log.
//
// Grounded on the teacher's internal/persistence/store.go for the
// schema-migration-ledger (checksum-gated schema_migrations table),
// retryOnBusy, and WAL-pragma idioms, shrunk to the two tables this client
// actually needs.
package clientstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/activity-sync/internal/wire"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "activity-sync-client-v1-shared-tasks-cursors"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store is the client's local SQLite handle.
type Store struct {
	db *sql.DB
}

// DefaultDBPath mirrors the teacher's DefaultDBPath, adapted to
// CLIENT_DB_PATH's documented default.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".activity-sync", "client.db")
}

// Open creates (or migrates) the SQLite database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`)
	if err := row.Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx,
			`SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest,
		).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q",
				schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS shared_tasks (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			creator_user_id TEXT NOT NULL,
			assignee_user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			last_event_seq INTEGER NOT NULL,
			github_repository_id INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shared_tasks_org ON shared_tasks(organization_id);`,
		`CREATE INDEX IF NOT EXISTS idx_shared_tasks_orphan_repo
			ON shared_tasks(github_repository_id) WHERE project_id = '';`,
		`CREATE TABLE IF NOT EXISTS shared_activity_cursors (
			organization_id TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		fmt.Sprintf(`INSERT INTO schema_migrations (version, checksum) VALUES (%d, %q);`,
			schemaVersionLatest, schemaChecksumLatest),
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w (%s)", err, stmt)
		}
	}
	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with jittered
// exponential backoff — identical in shape to the teacher's retryOnBusy.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// ToSharedTaskRow converts a wire.Task (the payload snapshot) into the local
// mirror row shape, stamping last_event_seq for idempotent-apply bookkeeping.
func ToSharedTaskRow(t wire.Task, githubRepoID int64, lastEventSeq int64) SharedTaskRow {
	return SharedTaskRow{
		ID: t.ID, OrganizationID: t.OrganizationID, ProjectID: t.ProjectID,
		CreatorUserID: t.CreatorUserID, AssigneeUserID: t.AssigneeUserID,
		Title: t.Title, Description: t.Description, Status: string(t.Status),
		Version: t.Version, LastEventSeq: lastEventSeq, GitHubRepositoryID: githubRepoID,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}
