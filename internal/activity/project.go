package activity

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/basket/activity-sync/internal/apperr"
	"github.com/basket/activity-sync/internal/wire"
)

// findOrCreateProjectTx looks up a project by (org, github_repository_id),
// auto-vivifying it on first sight — grounded on original_source's
// ProjectRepository::find_by_github_repo_id/insert.
func findOrCreateProjectTx(ctx context.Context, tx pgx.Tx, org string, githubRepoID int64, owner, name string) (wire.Project, error) {
	var p wire.Project
	row := tx.QueryRow(ctx, `
		SELECT id, organization_id, github_repository_id, owner, name, created_at
		FROM projects WHERE organization_id = $1 AND github_repository_id = $2`,
		org, githubRepoID)
	err := row.Scan(&p.ID, &p.OrganizationID, &p.GitHubRepositoryID, &p.Owner, &p.Name, &p.CreatedAt)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return wire.Project{}, apperr.Internal("lookup project", err)
	}

	id := uuid.NewString()
	row = tx.QueryRow(ctx, `
		INSERT INTO projects (id, organization_id, github_repository_id, owner, name, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, organization_id, github_repository_id, owner, name, created_at`,
		id, org, githubRepoID, owner, name)
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.GitHubRepositoryID, &p.Owner, &p.Name, &p.CreatedAt); err != nil {
		return wire.Project{}, apperr.Internal("insert project", err)
	}
	return p, nil
}

func findProjectByIDTx(ctx context.Context, tx pgx.Tx, projectID string) (*wire.Project, error) {
	if projectID == "" {
		return nil, nil
	}
	var p wire.Project
	row := tx.QueryRow(ctx, `
		SELECT id, organization_id, github_repository_id, owner, name, created_at
		FROM projects WHERE id = $1`, projectID)
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.GitHubRepositoryID, &p.Owner, &p.Name, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Internal("lookup project by id", err)
	}
	return &p, nil
}

func marshalPayload(p wire.ActivityPayload) ([]byte, error) {
	return json.Marshal(p)
}

func unmarshalPayload(raw []byte, p *wire.ActivityPayload) error {
	return json.Unmarshal(raw, p)
}
