package clientstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SharedTaskRow is the local mirror's column shape.
type SharedTaskRow struct {
	ID                 string
	OrganizationID     string
	ProjectID          string
	CreatorUserID      string
	AssigneeUserID     string
	Title              string
	Description        string
	Status             string
	Version            int64
	LastEventSeq       int64
	GitHubRepositoryID int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UpsertTask applies a last-writer-wins-by-seq upsert of the mirror row: the
// write is skipped if the stored row already reflects a later event.
func (s *Store) UpsertTask(ctx context.Context, row SharedTaskRow) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existingSeq int64
		err = tx.QueryRowContext(ctx,
			`SELECT last_event_seq FROM shared_tasks WHERE id = ?`, row.ID).Scan(&existingSeq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && existingSeq >= row.LastEventSeq {
			return tx.Commit()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO shared_tasks
				(id, organization_id, project_id, creator_user_id, assignee_user_id,
				 title, description, status, version, last_event_seq, github_repository_id,
				 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				project_id = excluded.project_id,
				creator_user_id = excluded.creator_user_id,
				assignee_user_id = excluded.assignee_user_id,
				title = excluded.title,
				description = excluded.description,
				status = excluded.status,
				version = excluded.version,
				last_event_seq = excluded.last_event_seq,
				github_repository_id = excluded.github_repository_id,
				updated_at = excluded.updated_at`,
			row.ID, row.OrganizationID, row.ProjectID, row.CreatorUserID, row.AssigneeUserID,
			row.Title, row.Description, row.Status, row.Version, row.LastEventSeq,
			row.GitHubRepositoryID, row.CreatedAt.Format(time.RFC3339Nano), row.UpdatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// DeleteTask hard-deletes the local mirror row for a task.deleted event — the
// deletion itself is the observable event, so there is nothing to retain.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM shared_tasks WHERE id = ?`, taskID)
		return err
	})
}

// GetTask returns the local mirror row for id, or sql.ErrNoRows.
func (s *Store) GetTask(ctx context.Context, taskID string) (SharedTaskRow, error) {
	var row SharedTaskRow
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, project_id, creator_user_id, assignee_user_id,
			title, description, status, version, last_event_seq, github_repository_id,
			created_at, updated_at
		FROM shared_tasks WHERE id = ?`, taskID).Scan(
		&row.ID, &row.OrganizationID, &row.ProjectID, &row.CreatorUserID, &row.AssigneeUserID,
		&row.Title, &row.Description, &row.Status, &row.Version, &row.LastEventSeq,
		&row.GitHubRepositoryID, &createdAt, &updatedAt)
	if err != nil {
		return SharedTaskRow{}, err
	}
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return row, nil
}

// ListOrphanTasksByRepo returns shared tasks whose github_repository_id
// matches repoID but whose project_id has not yet been resolved locally —
// grounded on OrphanTasksInListTx's orphan-reassociation pattern.
func (s *Store) ListOrphanTasksByRepo(ctx context.Context, repoID int64) ([]SharedTaskRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, project_id, creator_user_id, assignee_user_id,
			title, description, status, version, last_event_seq, github_repository_id,
			created_at, updated_at
		FROM shared_tasks WHERE github_repository_id = ? AND project_id = ''`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SharedTaskRow
	for rows.Next() {
		var row SharedTaskRow
		var createdAt, updatedAt string
		if err := rows.Scan(&row.ID, &row.OrganizationID, &row.ProjectID, &row.CreatorUserID,
			&row.AssigneeUserID, &row.Title, &row.Description, &row.Status, &row.Version,
			&row.LastEventSeq, &row.GitHubRepositoryID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ReassociateOrphans links previously-orphaned rows (matching repoID, no
// project) to projectID in one statement.
func (s *Store) ReassociateOrphans(ctx context.Context, repoID int64, projectID string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE shared_tasks SET project_id = ? WHERE github_repository_id = ? AND project_id = ''`,
			projectID, repoID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CursorFor returns the stored last_seq for org, or 0 if no cursor exists yet.
func (s *Store) CursorFor(ctx context.Context, org string) (int64, error) {
	var lastSeq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM shared_activity_cursors WHERE organization_id = ?`, org).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return lastSeq, err
}

// AdvanceCursor persists the new high-water mark for org. Callers must only
// call this with a seq greater than the previously stored value; idempotent
// re-application of the same seq is a no-op write, never a regression.
func (s *Store) AdvanceCursor(ctx context.Context, org string, seq int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO shared_activity_cursors (organization_id, last_seq, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(organization_id) DO UPDATE SET
				last_seq = excluded.last_seq,
				updated_at = excluded.updated_at
			WHERE excluded.last_seq > shared_activity_cursors.last_seq`,
			org, seq, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}
