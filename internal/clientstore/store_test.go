package clientstore_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/activity-sync/internal/clientstore"
)

func newRow(id, org string, version, lastEventSeq int64, ts time.Time) clientstore.SharedTaskRow {
	return clientstore.SharedTaskRow{
		ID: id, OrganizationID: org, ProjectID: "proj_1",
		CreatorUserID: "user_1", AssigneeUserID: "user_1",
		Title: "title", Status: "todo",
		Version: version, LastEventSeq: lastEventSeq,
		CreatedAt: ts, UpdatedAt: ts,
	}
}

func upsert(ctx context.Context, store *clientstore.Store, row clientstore.SharedTaskRow) error {
	return store.UpsertTask(ctx, row)
}

func openTestStore(t *testing.T) *clientstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := clientstore.Open(filepath.Join(dir, "client.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCursor_StartsAtZeroThenAdvances(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	got, err := store.CursorFor(ctx, "org_1")
	if err != nil {
		t.Fatalf("cursor for: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected 0 cursor for unseen org, got %d", got)
	}

	if err := store.AdvanceCursor(ctx, "org_1", 5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err = store.CursorFor(ctx, "org_1")
	if err != nil || got != 5 {
		t.Fatalf("expected cursor 5, got %d err=%v", got, err)
	}
}

func TestCursor_DoesNotRegressOnStaleAdvance(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AdvanceCursor(ctx, "org_1", 10); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// A stale re-delivery of an already-applied event must not move the
	// cursor backwards.
	if err := store.AdvanceCursor(ctx, "org_1", 3); err != nil {
		t.Fatalf("advance stale: %v", err)
	}

	got, err := store.CursorFor(ctx, "org_1")
	if err != nil || got != 10 {
		t.Fatalf("expected cursor to stay at 10, got %d err=%v", got, err)
	}
}

func TestUpsertTask_LastWriterWinsBySeqNotTimestamp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	newer := newRow("task_1", "org_1", 2, 5, now)
	older := newRow("task_1", "org_1", 1, 3, now.Add(time.Hour)) // later wall-clock, lower seq

	if err := upsert(ctx, store, newer); err != nil {
		t.Fatalf("upsert newer: %v", err)
	}
	if err := upsert(ctx, store, older); err != nil {
		t.Fatalf("upsert older: %v", err)
	}

	got, err := store.GetTask(ctx, "task_1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version from the higher-seq write (2) to win, got %d", got.Version)
	}
}

func TestUpsertTask_IdempotentApplyIsNoOp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	row := newRow("task_1", "org_1", 1, 7, time.Now().UTC())
	if err := upsert(ctx, store, row); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := upsert(ctx, store, row); err != nil {
		t.Fatalf("second (idempotent) apply: %v", err)
	}

	got, err := store.GetTask(ctx, "task_1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Version != 7 {
		t.Fatalf("expected version 7 after idempotent re-apply, got %d", got.Version)
	}
}

func TestDeleteTask_RemovesMirrorRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	row := newRow("task_1", "org_1", 1, 1, time.Now().UTC())
	if err := upsert(ctx, store, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.DeleteTask(ctx, "task_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetTask(ctx, "task_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after delete, got %v", err)
	}
}

func TestReassociateOrphans_LinksMatchingRepoRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	orphan := newRow("task_orphan", "org_1", 1, 1, time.Now().UTC())
	orphan.ProjectID = ""
	orphan.GitHubRepositoryID = 99
	if err := upsert(ctx, store, orphan); err != nil {
		t.Fatalf("upsert orphan: %v", err)
	}

	orphans, err := store.ListOrphanTasksByRepo(ctx, 99)
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("expected 1 orphan, got %d", len(orphans))
	}

	n, err := store.ReassociateOrphans(ctx, 99, "proj_123")
	if err != nil {
		t.Fatalf("reassociate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reassociated, got %d", n)
	}

	got, err := store.GetTask(ctx, "task_orphan")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.ProjectID != "proj_123" {
		t.Fatalf("expected project_id to be backfilled, got %q", got.ProjectID)
	}
}

func TestReopen_PreservesMirrorAndCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.db")

	store, err := clientstore.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := upsert(ctx, store, newRow("task_1", "org_1", 1, 1, time.Now().UTC())); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.AdvanceCursor(ctx, "org_1", 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := clientstore.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetTask(ctx, "task_1"); err != nil {
		t.Fatalf("expected task to survive reopen: %v", err)
	}
	cursor, err := reopened.CursorFor(ctx, "org_1")
	if err != nil || cursor != 1 {
		t.Fatalf("expected cursor to survive reopen, got %d err=%v", cursor, err)
	}
}
