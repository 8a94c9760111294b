// Package api provides the HTTP handlers for workspaces and tasks.
package api

import (
	"time"

	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// CreateWorkspaceRequest for creating a workspace
type CreateWorkspaceRequest struct {
	Name      string `json:"name" binding:"required"`
	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	RepoURL   string `json:"repo_url"`
}

// CreateTaskRequest for creating a task. Either a title or a free-text
// prompt is required; a prompt kicks off the planning pipeline.
type CreateTaskRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Assignee    string `json:"assignee"`
}

// UpdateTaskRequest for updating a task
type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
}

// PostMessageRequest for posting into a task conversation
type PostMessageRequest struct {
	Author string `json:"author" binding:"required"`
	Body   string `json:"body" binding:"required"`
}

// CreateDocRequest for creating a workspace document
type CreateDocRequest struct {
	Title   string `json:"title" binding:"required"`
	Content string `json:"content"`
}

// CreateLinkRequest for attaching an external reference
type CreateLinkRequest struct {
	Title string `json:"title" binding:"required"`
	URL   string `json:"url" binding:"required"`
}

// TokenResponse returns a freshly issued agent token
type TokenResponse struct {
	Token       string    `json:"token"`
	TaskID      string    `json:"task_id"`
	WorkspaceID string    `json:"workspace_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TasksListResponse for listing tasks
type TasksListResponse struct {
	Tasks []*taskView `json:"tasks"`
	Total int         `json:"total"`
}

// taskView is the task shape returned by the API.
type taskView struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	ParentID    string        `json:"parent_id,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Prompt      string        `json:"prompt,omitempty"`
	Status      v1.TaskStatus `json:"status"`
	Assignee    v1.Assignee   `json:"assignee"`
	Position    int           `json:"position"`
	Plan        string        `json:"plan,omitempty"`
	PlanStatus  v1.PlanStatus `json:"plan_status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}
