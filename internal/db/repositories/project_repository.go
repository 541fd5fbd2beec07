// project_repository.go implements ProjectRepository. Every query is filtered
// by the owning user; there is no unscoped read or write path.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/deployx/deployx/internal/db/models"
)

const projectColumns = `id, user_id, name, description, repository_url, status, last_deployed_at, created_at, updated_at`

// ProjectRepository handles project and deployment queries
type ProjectRepository struct {
	db *sqlx.DB
}

// NewProjectRepository creates a new ProjectRepository
func NewProjectRepository(db *sqlx.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// CreateProject inserts a project owned by project.UserID
func (r *ProjectRepository) CreateProject(ctx context.Context, project *models.Project) error {
	project.ID = uuid.New().String()
	project.CreatedAt = time.Now()
	project.UpdatedAt = project.CreatedAt
	if project.Status == "" {
		project.Status = models.DefaultProjectStatus
	}

	query := `
		INSERT INTO projects (id, user_id, name, description, repository_url, status, last_deployed_at, created_at, updated_at)
		VALUES (:id, :user_id, :name, :description, :repository_url, :status, :last_deployed_at, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, project)
	return err
}

// ListProjects returns the user's projects, newest first
func (r *ProjectRepository) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	projects := make([]*models.Project, 0)
	query := `SELECT ` + projectColumns + ` FROM projects WHERE user_id = $1 ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &projects, query, userID); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject returns the project only if userID owns it
func (r *ProjectRepository) GetProject(ctx context.Context, userID, projectID string) (*models.Project, error) {
	var project models.Project
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 AND user_id = $2`
	err := r.db.GetContext(ctx, &project, query, projectID, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// DeleteProject hard-deletes the project if userID owns it and reports
// whether a row was removed.
func (r *ProjectRepository) DeleteProject(ctx context.Context, userID, projectID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListDeployments returns the deployments of a project owned by userID, newest first
func (r *ProjectRepository) ListDeployments(ctx context.Context, userID, projectID string) ([]*models.Deployment, error) {
	deployments := make([]*models.Deployment, 0)
	query := `
		SELECT d.id, d.project_id, d.status, d.commit_sha, d.logs, d.duration_seconds, d.created_at, d.finished_at
		FROM deployments d
		JOIN projects p ON p.id = d.project_id
		WHERE d.project_id = $1 AND p.user_id = $2
		ORDER BY d.created_at DESC`
	if err := r.db.SelectContext(ctx, &deployments, query, projectID, userID); err != nil {
		return nil, err
	}
	return deployments, nil
}
