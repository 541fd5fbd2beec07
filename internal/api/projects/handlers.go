// Package projects implements owner-scoped project CRUD and the read-only
// deployment history of a project.
package projects

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/deployx/deployx/internal/audit"
	"github.com/deployx/deployx/internal/db/models"
	"github.com/deployx/deployx/internal/middleware"
)

// Store is the project persistence the handlers need
type Store interface {
	CreateProject(ctx context.Context, project *models.Project) error
	ListProjects(ctx context.Context, userID string) ([]*models.Project, error)
	GetProject(ctx context.Context, userID, projectID string) (*models.Project, error)
	DeleteProject(ctx context.Context, userID, projectID string) (bool, error)
	ListDeployments(ctx context.Context, userID, projectID string) ([]*models.Deployment, error)
}

// AuditRecorder accepts audit events
type AuditRecorder interface {
	Record(ctx context.Context, ev audit.Event)
}

// Handlers serves /api/projects
type Handlers struct {
	store Store
	audit AuditRecorder
}

// NewHandlers creates the project handlers
func NewHandlers(store Store, recorder AuditRecorder) *Handlers {
	return &Handlers{store: store, audit: recorder}
}

const projectNotFound = "Project not found"

// @Summary      Create project
// @Tags         Projects
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  models.ProjectInput  true  "Project"
// @Success      201  {object}  models.ProjectResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Router       /api/projects [post]
func (h *Handlers) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)

		var in models.ProjectInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}

		project := &models.Project{
			UserID:        user.ID,
			Name:          in.Name,
			Description:   optional(in.Description),
			RepositoryURL: optional(in.RepositoryURL),
		}
		if err := h.store.CreateProject(c.Request.Context(), project); err != nil {
			slog.Error("failed to create project", "user_id", user.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create project"})
			return
		}

		h.audit.Record(c.Request.Context(), audit.Event{
			UserID:       user.ID,
			Action:       models.ActionProjectCreated,
			ResourceType: "project",
			ResourceID:   project.ID,
			Details:      map[string]interface{}{"name": project.Name},
			IPAddress:    c.ClientIP(),
		})

		c.JSON(http.StatusCreated, project.ToResponse())
	}
}

// List returns the caller's projects, newest first
// GET /api/projects
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)

		projects, err := h.store.ListProjects(c.Request.Context(), user.ID)
		if err != nil {
			slog.Error("failed to list projects", "user_id", user.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list projects"})
			return
		}

		out := make([]models.ProjectResponse, 0, len(projects))
		for _, p := range projects {
			out = append(out, p.ToResponse())
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns one project
// GET /api/projects/:id
func (h *Handlers) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := h.loadProject(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, project.ToResponse())
	}
}

// Delete removes a project and its deployments
// DELETE /api/projects/:id
func (h *Handlers) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		projectID, ok := projectIDParam(c)
		if !ok {
			return
		}

		deleted, err := h.store.DeleteProject(c.Request.Context(), user.ID, projectID)
		if err != nil {
			slog.Error("failed to delete project", "user_id", user.ID, "project_id", projectID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete project"})
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": projectNotFound})
			return
		}

		h.audit.Record(c.Request.Context(), audit.Event{
			UserID:       user.ID,
			Action:       models.ActionProjectDeleted,
			ResourceType: "project",
			ResourceID:   projectID,
			IPAddress:    c.ClientIP(),
		})

		c.Status(http.StatusNoContent)
	}
}

// Deployments lists a project's deployments, newest first
// GET /api/projects/:id/deployments
func (h *Handlers) Deployments() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		project, ok := h.loadProject(c)
		if !ok {
			return
		}

		deployments, err := h.store.ListDeployments(c.Request.Context(), user.ID, project.ID)
		if err != nil {
			slog.Error("failed to list deployments", "user_id", user.ID, "project_id", project.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deployments"})
			return
		}

		out := make([]models.DeploymentResponse, 0, len(deployments))
		for _, d := range deployments {
			out = append(out, d.ToResponse())
		}
		c.JSON(http.StatusOK, out)
	}
}

// loadProject writes the error response itself when it returns false
func (h *Handlers) loadProject(c *gin.Context) (*models.Project, bool) {
	user := middleware.CurrentUser(c)
	projectID, ok := projectIDParam(c)
	if !ok {
		return nil, false
	}

	project, err := h.store.GetProject(c.Request.Context(), user.ID, projectID)
	if err != nil {
		slog.Error("failed to load project", "user_id", user.ID, "project_id", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load project"})
		return nil, false
	}
	if project == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": projectNotFound})
		return nil, false
	}
	return project, true
}

// projectIDParam rejects IDs that cannot exist; the column is a UUID.
func projectIDParam(c *gin.Context) (string, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": projectNotFound})
		return "", false
	}
	return id.String(), true
}

func optional(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
