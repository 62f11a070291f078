// Package activity implements the server's Postgres-backed Mutation
// Repository and Activity Writer: every create/update/assign/delete goes
// through a single transaction that conditionally updates the task row,
// allocates the next per-organization sequence number, and appends one
// activity row — never one without the other.
//
// Grounded on original_source's crates/remote/src/db/tasks.rs
// (SharedTaskRepository, insert_activity counter CTE) and, for the Go
// conditional-UPDATE-then-append-in-tx idiom, on the teacher's
// internal/persistence/store.go (transitionTaskTx/appendTaskEventTx) and on
// other_examples' ApplyTaskListMutationTx/VersionMismatchError pattern.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/activity-sync/internal/apperr"
	"github.com/basket/activity-sync/internal/wire"
)

// maxTextSize bounds title+description, per spec's ensure_text_size check.
const maxTextSize = 50 * 1024

// Repository is the server's task mutation + activity log store.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository over an already-configured pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateInput describes a task-creation request.
type CreateInput struct {
	Org               string
	ActingUserID      string
	GitHubRepositoryID int64
	Owner             string
	RepoName          string
	Title             string
	Description       string
	AssigneeUserID    string
}

// Create inserts a new task (version=1) and its task.created activity event.
func (r *Repository) Create(ctx context.Context, in CreateInput) (wire.Task, wire.ActivityEvent, error) {
	if err := ensureTextSize(in.Title, in.Description); err != nil {
		return wire.Task{}, wire.ActivityEvent{}, err
	}
	assignee := in.AssigneeUserID
	if assignee == "" {
		assignee = in.ActingUserID
	}

	var task wire.Task
	var ev wire.ActivityEvent
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		project, err := findOrCreateProjectTx(ctx, tx, in.Org, in.GitHubRepositoryID, in.Owner, in.RepoName)
		if err != nil {
			return err
		}

		id := uuid.NewString()
		row := tx.QueryRow(ctx, `
			INSERT INTO shared_tasks
				(id, organization_id, project_id, creator_user_id, assignee_user_id,
				 title, description, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'todo', 1, now(), now())
			RETURNING id, organization_id, project_id, creator_user_id, assignee_user_id,
				title, description, status, version, deleted_at, deleted_by_user_id,
				created_at, updated_at`,
			id, in.Org, project.ID, in.ActingUserID, assignee, in.Title, in.Description)
		if err := scanTask(row, &task); err != nil {
			return apperr.Internal("insert task", err)
		}

		payload := wire.ActivityPayload{Task: task, ProjectMetadata: &project}
		ev, err = writeActivityTx(ctx, tx, in.Org, wire.EventTaskCreated, payload)
		return err
	})
	return task, ev, err
}

// FindByID loads a single non-deleted task by id, scoped to org. Returns
// apperr.NotFound if no such task exists. Grounded on
// original_source/crates/remote/src/db/tasks.rs's find_by_id, used by the
// route layer (handlers.go) to resolve existence and ownership before
// calling Update/Assign/Delete, so those three can return a precise
// NotFound/Forbidden instead of collapsing every zero-row UPDATE into a
// generic Conflict.
func (r *Repository) FindByID(ctx context.Context, org, taskID string) (wire.Task, error) {
	var task wire.Task
	row := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, project_id, creator_user_id, assignee_user_id,
			title, description, status, version, deleted_at, deleted_by_user_id,
			created_at, updated_at
		FROM shared_tasks
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`, taskID, org)
	if err := scanTask(row, &task); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wire.Task{}, apperr.NotFound("shared task not found")
		}
		return wire.Task{}, apperr.Internal("find task by id", err)
	}
	return task, nil
}

// UpdateInput describes a task field-update request.
type UpdateInput struct {
	Org             string
	TaskID          string
	ActingUserID    string
	Title           *string
	Description     *string
	Status          *wire.TaskStatus
	ExpectedVersion *int64
}

// Update conditionally applies field changes and appends a task.updated
// event. Callers are expected to have already resolved existence and
// assignee ownership via FindByID (see handlers.go); the WHERE clause's
// version/assignee_user_id guards remain as a concurrency safety net against
// a race between that check and this statement, which is why a zero-row
// result still maps to Conflict rather than NotFound/Forbidden here.
func (r *Repository) Update(ctx context.Context, in UpdateInput) (wire.Task, wire.ActivityEvent, error) {
	if in.Title != nil || in.Description != nil {
		title, desc := "", ""
		if in.Title != nil {
			title = *in.Title
		}
		if in.Description != nil {
			desc = *in.Description
		}
		if err := ensureTextSize(title, desc); err != nil {
			return wire.Task{}, wire.ActivityEvent{}, err
		}
	}

	var task wire.Task
	var ev wire.ActivityEvent
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE shared_tasks SET
				title = COALESCE($1, title),
				description = COALESCE($2, description),
				status = COALESCE($3, status),
				version = version + 1,
				updated_at = now()
			WHERE id = $4 AND organization_id = $5 AND deleted_at IS NULL
				AND version = COALESCE($6, version)
				AND assignee_user_id = $7
			RETURNING id, organization_id, project_id, creator_user_id, assignee_user_id,
				title, description, status, version, deleted_at, deleted_by_user_id,
				created_at, updated_at`,
			in.Title, in.Description, in.Status, in.TaskID, in.Org, in.ExpectedVersion, in.ActingUserID)
		if err := scanTask(row, &task); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.Conflict("version mismatch or task reassigned since it was loaded")
			}
			return apperr.Internal("update task", err)
		}

		project, err := findProjectByIDTx(ctx, tx, task.ProjectID)
		if err != nil {
			return err
		}
		payload := wire.ActivityPayload{Task: task, ProjectMetadata: project}
		ev, err = writeActivityTx(ctx, tx, in.Org, wire.EventTaskUpdated, payload)
		return err
	})
	return task, ev, err
}

// AssignInput describes a reassignment request.
type AssignInput struct {
	Org                      string
	TaskID                   string
	ActingUserID             string
	NewAssigneeUserID        string
	PreviousAssigneeUserID   *string
	ExpectedVersion          *int64
}

// Assign reassigns a task, optionally guarded by the previously-known
// assignee. As with Update, callers resolve existence and ownership via
// FindByID first; the WHERE clause's guards are a race-window safety net, so
// a zero-row result maps to Conflict, not NotFound/Forbidden.
func (r *Repository) Assign(ctx context.Context, in AssignInput) (wire.Task, wire.ActivityEvent, error) {
	var task wire.Task
	var ev wire.ActivityEvent
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE shared_tasks SET
				assignee_user_id = $1,
				version = version + 1,
				updated_at = now()
			WHERE id = $2 AND organization_id = $3 AND deleted_at IS NULL
				AND version = COALESCE($4, version)
				AND assignee_user_id = $5
				AND assignee_user_id = COALESCE($6, assignee_user_id)
			RETURNING id, organization_id, project_id, creator_user_id, assignee_user_id,
				title, description, status, version, deleted_at, deleted_by_user_id,
				created_at, updated_at`,
			in.NewAssigneeUserID, in.TaskID, in.Org, in.ExpectedVersion, in.ActingUserID,
			in.PreviousAssigneeUserID)
		if err := scanTask(row, &task); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.Conflict("version mismatch or task reassigned since it was loaded")
			}
			return apperr.Internal("assign task", err)
		}

		project, err := findProjectByIDTx(ctx, tx, task.ProjectID)
		if err != nil {
			return err
		}
		payload := wire.ActivityPayload{Task: task, ProjectMetadata: project}
		ev, err = writeActivityTx(ctx, tx, in.Org, wire.EventTaskReassigned, payload)
		return err
	})
	return task, ev, err
}

// DeleteInput describes a soft-delete request.
type DeleteInput struct {
	Org             string
	TaskID          string
	ActingUserID    string
	ExpectedVersion *int64
}

// Delete soft-deletes a task (row retained so later events remain
// resolvable). As with Update, callers resolve existence and ownership via
// FindByID first; the WHERE clause's guards are a race-window safety net, so
// a zero-row result maps to Conflict, not NotFound/Forbidden.
func (r *Repository) Delete(ctx context.Context, in DeleteInput) (wire.Task, wire.ActivityEvent, error) {
	var task wire.Task
	var ev wire.ActivityEvent
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE shared_tasks SET
				deleted_at = now(),
				deleted_by_user_id = $1,
				version = version + 1,
				updated_at = now()
			WHERE id = $2 AND organization_id = $3 AND deleted_at IS NULL
				AND version = COALESCE($4, version)
				AND assignee_user_id = $1
			RETURNING id, organization_id, project_id, creator_user_id, assignee_user_id,
				title, description, status, version, deleted_at, deleted_by_user_id,
				created_at, updated_at`,
			in.ActingUserID, in.TaskID, in.Org, in.ExpectedVersion)
		if err := scanTask(row, &task); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.Conflict("version mismatch or task reassigned since it was loaded")
			}
			return apperr.Internal("delete task", err)
		}

		project, err := findProjectByIDTx(ctx, tx, task.ProjectID)
		if err != nil {
			return err
		}
		payload := wire.ActivityPayload{Task: task, ProjectMetadata: project}
		ev, err = writeActivityTx(ctx, tx, in.Org, wire.EventTaskDeleted, payload)
		return err
	})
	return task, ev, err
}

// FetchSince returns up to limit activity events for org with seq > afterSeq,
// in ascending seq order.
func (r *Repository) FetchSince(ctx context.Context, org string, afterSeq int64, limit int) ([]wire.ActivityEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT seq, event_id, organization_id, event_type, payload, created_at
		FROM activity
		WHERE organization_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, org, afterSeq, limit)
	if err != nil {
		return nil, apperr.Internal("fetch_since query", err)
	}
	defer rows.Close()

	var out []wire.ActivityEvent
	for rows.Next() {
		var ev wire.ActivityEvent
		if err := scanActivityRow(rows, &ev); err != nil {
			return nil, apperr.Internal("fetch_since scan", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FetchBySeq resolves a single activity row, satisfying listener.Fetcher.
func (r *Repository) FetchBySeq(ctx context.Context, org string, seq int64) (wire.ActivityEvent, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT seq, event_id, organization_id, event_type, payload, created_at
		FROM activity WHERE organization_id = $1 AND seq = $2`, org, seq)
	var ev wire.ActivityEvent
	if err := scanActivityRow(row, &ev); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wire.ActivityEvent{}, apperr.NotFound(fmt.Sprintf("no activity row for org=%s seq=%d", org, seq))
		}
		return wire.ActivityEvent{}, apperr.Internal("fetch by seq", err)
	}
	return ev, nil
}

// BulkSnapshot returns a consistent point-in-time view: all non-deleted
// tasks, the IDs of soft-deleted tasks, and the org's latest seq — all read
// within one REPEATABLE READ transaction.
func (r *Repository) BulkSnapshot(ctx context.Context, org string) (wire.BulkSnapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return wire.BulkSnapshot{}, apperr.Internal("begin snapshot tx", err)
	}
	defer tx.Rollback(ctx)

	var snap wire.BulkSnapshot

	rows, err := tx.Query(ctx, `
		SELECT id, organization_id, project_id, creator_user_id, assignee_user_id,
			title, description, status, version, deleted_at, deleted_by_user_id,
			created_at, updated_at
		FROM shared_tasks WHERE organization_id = $1 AND deleted_at IS NULL`, org)
	if err != nil {
		return wire.BulkSnapshot{}, apperr.Internal("bulk tasks query", err)
	}
	for rows.Next() {
		var t wire.Task
		if err := scanTask(rows, &t); err != nil {
			rows.Close()
			return wire.BulkSnapshot{}, apperr.Internal("bulk tasks scan", err)
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wire.BulkSnapshot{}, apperr.Internal("bulk tasks iterate", err)
	}

	delRows, err := tx.Query(ctx, `
		SELECT id FROM shared_tasks WHERE organization_id = $1 AND deleted_at IS NOT NULL`, org)
	if err != nil {
		return wire.BulkSnapshot{}, apperr.Internal("bulk deleted query", err)
	}
	for delRows.Next() {
		var id string
		if err := delRows.Scan(&id); err != nil {
			delRows.Close()
			return wire.BulkSnapshot{}, apperr.Internal("bulk deleted scan", err)
		}
		snap.DeletedTaskIDs = append(snap.DeletedTaskIDs, id)
	}
	delRows.Close()
	if err := delRows.Err(); err != nil {
		return wire.BulkSnapshot{}, apperr.Internal("bulk deleted iterate", err)
	}

	var latest *int64
	if err := tx.QueryRow(ctx, `SELECT MAX(seq) FROM activity WHERE organization_id = $1`, org).Scan(&latest); err != nil {
		return wire.BulkSnapshot{}, apperr.Internal("bulk latest seq", err)
	}
	snap.LatestSeq = latest

	if err := tx.Commit(ctx); err != nil {
		return wire.BulkSnapshot{}, apperr.Internal("commit snapshot tx", err)
	}
	return snap, nil
}

func (r *Repository) withTx(ctx context.Context, f func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Internal("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Internal("commit tx", err)
	}
	return nil
}

func ensureTextSize(title, description string) error {
	if len(title)+len(description) > maxTextSize {
		return apperr.PayloadTooLarge("title and description exceed 50 KiB combined")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, t *wire.Task) error {
	return row.Scan(&t.ID, &t.OrganizationID, &t.ProjectID, &t.CreatorUserID, &t.AssigneeUserID,
		&t.Title, &t.Description, &t.Status, &t.Version, &t.DeletedAt, &t.DeletedByUserID,
		&t.CreatedAt, &t.UpdatedAt)
}

func scanActivityRow(row rowScanner, ev *wire.ActivityEvent) error {
	var raw []byte
	if err := row.Scan(&ev.Seq, &ev.EventID, &ev.Org, &ev.EventType, &raw, &ev.CreatedAt); err != nil {
		return err
	}
	return unmarshalPayload(raw, &ev.Payload)
}

// writeActivityTx is the Activity Writer: allocates the next seq via the
// org_activity_counters upsert-and-return CTE, then inserts the activity row
// in the same transaction so invariant 2 (one activity row per committed
// mutation) can never be violated by a partial write.
func writeActivityTx(ctx context.Context, tx pgx.Tx, org string, eventType wire.EventType, payload wire.ActivityPayload) (wire.ActivityEvent, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return wire.ActivityEvent{}, apperr.Internal("marshal activity payload", err)
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO org_activity_counters (organization_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (organization_id) DO UPDATE SET last_seq = org_activity_counters.last_seq + 1
		RETURNING last_seq`, org).Scan(&seq)
	if err != nil {
		return wire.ActivityEvent{}, apperr.Internal("allocate activity seq", err)
	}

	eventID := uuid.NewString()
	createdAt := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO activity (organization_id, seq, event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		org, seq, eventID, eventType, raw, createdAt)
	if err != nil {
		return wire.ActivityEvent{}, apperr.Internal("insert activity row", err)
	}

	return wire.ActivityEvent{
		Seq:       seq,
		EventID:   eventID,
		Org:       org,
		EventType: eventType,
		CreatedAt: createdAt,
		Payload:   payload,
	}, nil
}
