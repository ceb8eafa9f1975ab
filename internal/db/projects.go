package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Projects stores project rows and the records initialization creates for them
type Projects struct {
	db *DB
}

// NewProjects creates the project store
func NewProjects(db *DB) *Projects {
	return &Projects{db: db}
}

// CreateProject inserts a project in the initializing state. Creating an
// existing ID is a no-op; a slug taken by another project returns ErrDuplicate.
func (p *Projects) CreateProject(ctx context.Context, project *Project) (*Project, error) {
	_, err := p.db.pool.Exec(ctx,
		`INSERT INTO projects (id, organization_id, owner_id, name, slug, status)
		 VALUES ($1, $2, $3, $4, $5, 'initializing')
		 ON CONFLICT (id) DO NOTHING`,
		project.ID, project.OrganizationID, project.OwnerID, project.Name, project.Slug,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, fmt.Errorf("project slug %q: %w", project.Slug, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p.GetProject(ctx, project.ID)
}

// GetProject retrieves a project by ID
func (p *Projects) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	var pr Project
	err := p.db.pool.QueryRow(ctx,
		`SELECT id, organization_id, owner_id, name, slug, status, status_message,
		        initialization_completed_at, created_at, updated_at
		 FROM projects WHERE id = $1`,
		id,
	).Scan(&pr.ID, &pr.OrganizationID, &pr.OwnerID, &pr.Name, &pr.Slug, &pr.Status,
		&pr.StatusMessage, &pr.InitializationCompletedAt, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &pr, nil
}

// SetStatus updates the project's lifecycle status and user-facing message
func (p *Projects) SetStatus(ctx context.Context, id uuid.UUID, status string, message *string) error {
	tag, err := p.db.pool.Exec(ctx,
		`UPDATE projects SET status = $2, status_message = $3, updated_at = NOW() WHERE id = $1`,
		id, status, message,
	)
	if err != nil {
		return fmt.Errorf("failed to set project status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return nil
}

// MarkInitialized stamps initialization_completed_at
func (p *Projects) MarkInitialized(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.pool.Exec(ctx,
		`UPDATE projects SET initialization_completed_at = COALESCE(initialization_completed_at, NOW()),
		     updated_at = NOW()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark project initialized: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return nil
}

// UpsertRepository links a repository to a project, replacing a previous link
func (p *Projects) UpsertRepository(ctx context.Context, repo *Repository) (*Repository, error) {
	var out Repository
	err := p.db.pool.QueryRow(ctx,
		`INSERT INTO project_repositories
		     (project_id, provider, external_id, owner, name, html_url, clone_url, default_branch, visibility)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (project_id) DO UPDATE
		 SET provider = EXCLUDED.provider, external_id = EXCLUDED.external_id, owner = EXCLUDED.owner,
		     name = EXCLUDED.name, html_url = EXCLUDED.html_url, clone_url = EXCLUDED.clone_url,
		     default_branch = EXCLUDED.default_branch, visibility = EXCLUDED.visibility,
		     updated_at = NOW()
		 RETURNING id, project_id, provider, COALESCE(external_id, ''), owner, name, html_url,
		           clone_url, default_branch, visibility, created_at, updated_at`,
		repo.ProjectID, repo.Provider, repo.ExternalID, repo.Owner, repo.Name, repo.HTMLURL,
		repo.CloneURL, repo.DefaultBranch, repo.Visibility,
	).Scan(&out.ID, &out.ProjectID, &out.Provider, &out.ExternalID, &out.Owner, &out.Name,
		&out.HTMLURL, &out.CloneURL, &out.DefaultBranch, &out.Visibility, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert repository: %w", err)
	}
	return &out, nil
}

// UpsertEnvironments creates environments by name, keeping existing rows
func (p *Projects) UpsertEnvironments(ctx context.Context, projectID uuid.UUID, envs []Environment) ([]Environment, error) {
	var out []Environment
	err := pgx.BeginFunc(ctx, p.db.pool, func(tx pgx.Tx) error {
		for _, env := range envs {
			var e Environment
			err := tx.QueryRow(ctx,
				`INSERT INTO project_environments (project_id, name, position, requires_approval, auto_deploy)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (project_id, name) DO UPDATE SET position = EXCLUDED.position
				 RETURNING id, project_id, name, position, requires_approval, auto_deploy, created_at`,
				projectID, env.Name, env.Position, env.RequiresApproval, env.AutoDeploy,
			).Scan(&e.ID, &e.ProjectID, &e.Name, &e.Position, &e.RequiresApproval, &e.AutoDeploy, &e.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to upsert environment %s: %w", env.Name, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListEnvironments returns a project's environments in promotion order
func (p *Projects) ListEnvironments(ctx context.Context, projectID uuid.UUID) ([]Environment, error) {
	rows, err := p.db.pool.Query(ctx,
		`SELECT id, project_id, name, position, requires_approval, auto_deploy, created_at
		 FROM project_environments WHERE project_id = $1 ORDER BY position`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var out []Environment
	for rows.Next() {
		var e Environment
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Position, &e.RequiresApproval, &e.AutoDeploy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
