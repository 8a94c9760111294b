// Package store provides persistence for workspaces, tasks, runs, context
// items, and access tokens.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crewdeck/crewdeck/internal/run"
	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the persistence operations. Three implementations exist:
// memory (tests), sqlite (default), postgres (config-selected).
type Store interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)

	// Tasks
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context, workspaceID string) ([]*models.Task, error)
	ListSubtasks(ctx context.Context, parentID string) ([]*models.Task, error)
	DeleteSubtasks(ctx context.Context, parentID string) error

	// Runs. Runs are append-only apart from state advancement; superseded
	// runs are retained for history.
	CreateRun(ctx context.Context, r *run.AgentRun) error
	GetRun(ctx context.Context, id string) (*run.AgentRun, error)
	GetRunByExternalID(ctx context.Context, externalID string) (*run.AgentRun, error)
	GetRunByPRNumber(ctx context.Context, prNumber int) (*run.AgentRun, error)
	ListRunsByTask(ctx context.Context, taskID string) ([]*run.AgentRun, error)
	SetRunExternalID(ctx context.Context, runID, externalID string) error

	// AdvanceRunState applies a state transition under single-writer
	// semantics. It returns the stored run after the attempt and whether
	// the run actually advanced; regressions and duplicates return false
	// with no mutation.
	AdvanceRunState(ctx context.Context, runID string, u run.Update) (*run.AgentRun, bool, error)

	// AdvanceRunPRState applies a pull-request state transition.
	AdvanceRunPRState(ctx context.Context, runID string, target v1.PRState) (*run.AgentRun, bool, error)

	// MarkSubtasksGenerated is the compare-and-set consumed by the deferred
	// worker: it returns true exactly once per run.
	MarkSubtasksGenerated(ctx context.Context, runID string) (bool, error)

	// Context items
	CreateMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, taskID string) ([]*models.Message, error)
	CreateDoc(ctx context.Context, d *models.Doc) error
	GetDoc(ctx context.Context, id string) (*models.Doc, error)
	ListDocs(ctx context.Context, workspaceID string) ([]*models.Doc, error)
	CreateLink(ctx context.Context, l *models.Link) error
	ListLinks(ctx context.Context, workspaceID string) ([]*models.Link, error)
	CreateTaskLink(ctx context.Context, tl *models.TaskLink) error
	ListTaskLinks(ctx context.Context, taskID string) ([]*models.TaskLink, error)

	// Tokens. IssueToken revokes all prior unrevoked tokens for the task
	// before inserting, atomically.
	IssueToken(ctx context.Context, t *models.AccessToken) error
	GetToken(ctx context.Context, token string) (*models.AccessToken, error)
	TouchToken(ctx context.Context, token string, usedAt time.Time) error

	Close() error
}
