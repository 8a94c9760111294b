// Package models defines the workspace data entities.
package models

import (
	"time"

	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// Workspace owns tasks, docs, messages, and links, and carries the linked
// repository coordinates agents run against.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RepoOwner string    `json:"repo_owner"`
	RepoName  string    `json:"repo_name"`
	RepoURL   string    `json:"repo_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasRepository reports whether the workspace has a linked repository.
func (w *Workspace) HasRepository() bool {
	return w.RepoURL != "" || (w.RepoOwner != "" && w.RepoName != "")
}

// Task is a unit of work on a workspace. Sub-tasks carry a ParentID and
// inherit the parent's workspace.
type Task struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	ParentID    string        `json:"parent_id,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Prompt      string        `json:"prompt,omitempty"` // free-text prompt when AI-originated
	Status      v1.TaskStatus `json:"status"`
	Assignee    v1.Assignee   `json:"assignee"`
	Position    int           `json:"position"`

	Plan       string        `json:"plan,omitempty"`
	PlanStatus v1.PlanStatus `json:"plan_status"`

	// Current run pointers, one per purpose. Superseded runs stay in the
	// runs table for history.
	PlanningRunID       string `json:"planning_run_id,omitempty"`
	ImplementationRunID string `json:"implementation_run_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Message is one entry in a task's conversation.
type Message struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"` // user name or "agent"
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Doc is a workspace document available as task context.
type Doc struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Link is an external reference attached to a workspace.
type Link struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskLink attaches a context item (doc, message, or link) to a task. Set by
// the planner's relevance-selection step.
type TaskLink struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	ItemType string `json:"item_type"` // doc, message, link
	ItemID   string `json:"item_id"`
	Score    int    `json:"score"` // 0-100 relevance assigned at link time
}

// AccessToken scopes a locally-run agent to exactly one task for roughly an
// hour. Issuing a new token revokes all prior unrevoked tokens for the task.
type AccessToken struct {
	Token       string     `json:"token"`
	TaskID      string     `json:"task_id"`
	WorkspaceID string     `json:"workspace_id"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// Revoked reports whether the token has been revoked.
func (t *AccessToken) Revoked() bool { return t.RevokedAt != nil }

// Expired reports whether the token has expired at the given instant.
func (t *AccessToken) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }
