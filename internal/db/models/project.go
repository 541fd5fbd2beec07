// Package models - project.go defines user-owned projects and their (read-only)
// deployment history.
package models

import (
	"database/sql"
	"time"
)

// DefaultProjectStatus is assigned to newly created projects
const DefaultProjectStatus = "inactive"

// Project is a user-owned deployable unit. Ownership never changes.
type Project struct {
	ID             string         `db:"id" json:"id"`
	UserID         string         `db:"user_id" json:"user_id"`
	Name           string         `db:"name" json:"name"`
	Description    sql.NullString `db:"description" json:"-"`
	RepositoryURL  sql.NullString `db:"repository_url" json:"-"`
	Status         string         `db:"status" json:"status"`
	LastDeployedAt sql.NullTime   `db:"last_deployed_at" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// ProjectInput is the request body for creating a project
type ProjectInput struct {
	Name          string  `json:"name" binding:"required,max=255"`
	Description   *string `json:"description"`
	RepositoryURL *string `json:"repository_url" binding:"omitempty,url,max=500"`
}

// ProjectResponse is the API shape of a project
type ProjectResponse struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Name           string     `json:"name"`
	Description    *string    `json:"description"`
	RepositoryURL  *string    `json:"repository_url"`
	Status         string     `json:"status"`
	LastDeployedAt *time.Time `json:"last_deployed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ToResponse converts the project to its public representation
func (p *Project) ToResponse() ProjectResponse {
	resp := ProjectResponse{
		ID:            p.ID,
		UserID:        p.UserID,
		Name:          p.Name,
		Description:   stringPtr(p.Description),
		RepositoryURL: stringPtr(p.RepositoryURL),
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
	}
	if p.LastDeployedAt.Valid {
		t := p.LastDeployedAt.Time
		resp.LastDeployedAt = &t
	}
	return resp
}

// Deployment is one build/deploy attempt of a project. Nothing in the platform
// writes deployments yet; they are listed for projects that have them.
type Deployment struct {
	ID              string         `db:"id" json:"id"`
	ProjectID       string         `db:"project_id" json:"project_id"`
	Status          string         `db:"status" json:"status"`
	CommitSHA       sql.NullString `db:"commit_sha" json:"-"`
	Logs            sql.NullString `db:"logs" json:"-"`
	DurationSeconds sql.NullInt64  `db:"duration_seconds" json:"-"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	FinishedAt      sql.NullTime   `db:"finished_at" json:"-"`
}

// DeploymentResponse is the API shape of a deployment; logs are omitted.
type DeploymentResponse struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	Status          string     `json:"status"`
	CommitSHA       *string    `json:"commit_sha"`
	DurationSeconds *int64     `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at"`
}

// ToResponse converts the deployment to its public representation
func (d *Deployment) ToResponse() DeploymentResponse {
	resp := DeploymentResponse{
		ID:        d.ID,
		ProjectID: d.ProjectID,
		Status:    d.Status,
		CommitSHA: stringPtr(d.CommitSHA),
		CreatedAt: d.CreatedAt,
	}
	if d.DurationSeconds.Valid {
		v := d.DurationSeconds.Int64
		resp.DurationSeconds = &v
	}
	if d.FinishedAt.Valid {
		t := d.FinishedAt.Time
		resp.FinishedAt = &t
	}
	return resp
}
