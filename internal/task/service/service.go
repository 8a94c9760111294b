// Package service implements the workspace and task operations behind the
// HTTP API. Anything slower than a request budget is enqueued, not awaited.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/jobs"
	"github.com/crewdeck/crewdeck/internal/run"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// tokenTTL is how long an issued agent token stays valid.
const tokenTTL = time.Hour

// Service exposes workspace and task operations.
type Service struct {
	store  store.Store
	queue  jobs.Queue
	logger *logger.Logger
}

// New creates a task service.
func New(s store.Store, q jobs.Queue, log *logger.Logger) *Service {
	return &Service{
		store:  s,
		queue:  q,
		logger: log.WithFields(zap.String("component", "task-service")),
	}
}

// Workspaces

// CreateWorkspaceRequest carries the fields for a new workspace.
type CreateWorkspaceRequest struct {
	Name      string
	RepoOwner string
	RepoName  string
	RepoURL   string
}

func (s *Service) CreateWorkspace(ctx context.Context, req *CreateWorkspaceRequest) (*models.Workspace, error) {
	ws := &models.Workspace{
		Name:      req.Name,
		RepoOwner: req.RepoOwner,
		RepoName:  req.RepoName,
		RepoURL:   req.RepoURL,
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *Service) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, id)
	if err == store.ErrNotFound {
		return nil, errors.NotFound("workspace", id)
	}
	return ws, err
}

func (s *Service) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	return s.store.ListWorkspaces(ctx)
}

// Tasks

// CreateTaskRequest carries the fields for a new task. A non-empty Prompt
// makes the task AI-originated: the planning pipeline is kicked off as a
// deferred job and fills in title, description, and plan.
type CreateTaskRequest struct {
	WorkspaceID string
	Title       string
	Description string
	Prompt      string
	Assignee    v1.Assignee
}

func (s *Service) CreateTask(ctx context.Context, req *CreateTaskRequest) (*models.Task, error) {
	if _, err := s.GetWorkspace(ctx, req.WorkspaceID); err != nil {
		return nil, err
	}

	assignee := req.Assignee
	if assignee == "" {
		assignee = v1.AssigneeAgent
	}

	task := &models.Task{
		WorkspaceID: req.WorkspaceID,
		Title:       req.Title,
		Description: req.Description,
		Prompt:      req.Prompt,
		Status:      v1.TaskStatusTodo,
		Assignee:    assignee,
		PlanStatus:  v1.PlanStatusPending,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if task.Prompt != "" {
		if err := s.queue.Enqueue(ctx, jobs.KindPlanTask, jobs.PlanTaskPayload{TaskID: task.ID}); err != nil {
			s.logger.Error("failed to enqueue planning",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	return task, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err == store.ErrNotFound {
		return nil, errors.NotFound("task", id)
	}
	return task, err
}

func (s *Service) ListTasks(ctx context.Context, workspaceID string) ([]*models.Task, error) {
	return s.store.ListTasks(ctx, workspaceID)
}

func (s *Service) ListSubtasks(ctx context.Context, taskID string) ([]*models.Task, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListSubtasks(ctx, taskID)
}

// UpdateTaskRequest carries partial updates; nil fields are untouched.
type UpdateTaskRequest struct {
	Title       *string
	Description *string
	Status      *v1.TaskStatus
	Assignee    *v1.Assignee
}

func (s *Service) UpdateTask(ctx context.Context, id string, req *UpdateTaskRequest) (*models.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Status != nil {
		if !v1.ValidTaskStatus(*req.Status) {
			return nil, errors.BadRequest("unknown task status " + string(*req.Status))
		}
		task.Status = *req.Status
		if *req.Status == v1.TaskStatusDone && task.CompletedAt == nil {
			now := time.Now().UTC()
			task.CompletedAt = &now
		}
	}
	if req.Assignee != nil {
		task.Assignee = *req.Assignee
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// RetryPlanning re-runs the planning pipeline for a task. Existing
// sub-tasks are regenerated; the title is kept. Any in-flight planning run
// is abandoned, not cancelled.
func (s *Service) RetryPlanning(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	task.PlanStatus = v1.PlanStatusGenerating
	task.Plan = ""
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, jobs.KindPlanTask, jobs.PlanTaskPayload{
		TaskID:     task.ID,
		Regenerate: true,
	}); err != nil {
		return nil, err
	}
	return task, nil
}

// ListRuns returns the run history for a task, newest last.
func (s *Service) ListRuns(ctx context.Context, taskID string) ([]*run.AgentRun, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListRunsByTask(ctx, taskID)
}

// Tokens

// IssueToken mints an access token scoped to one task. All prior unrevoked
// tokens for the task are revoked in the same operation.
func (s *Service) IssueToken(ctx context.Context, taskID string) (*models.AccessToken, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	token := &models.AccessToken{
		// Two v4 UUIDs give the token enough entropy to be unguessable.
		Token:       uuid.New().String() + uuid.New().String(),
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(tokenTTL),
	}
	if err := s.store.IssueToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Messages

func (s *Service) PostMessage(ctx context.Context, taskID, author, body string) (*models.Message, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	m := &models.Message{TaskID: taskID, Author: author, Body: body}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) ListMessages(ctx context.Context, taskID string) ([]*models.Message, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, taskID)
}

// Docs and links

func (s *Service) CreateDoc(ctx context.Context, workspaceID, title, content string) (*models.Doc, error) {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	d := &models.Doc{WorkspaceID: workspaceID, Title: title, Content: content}
	if err := s.store.CreateDoc(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) ListDocs(ctx context.Context, workspaceID string) ([]*models.Doc, error) {
	return s.store.ListDocs(ctx, workspaceID)
}

func (s *Service) CreateLink(ctx context.Context, workspaceID, title, url string) (*models.Link, error) {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	l := &models.Link{WorkspaceID: workspaceID, Title: title, URL: url}
	if err := s.store.CreateLink(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Service) ListLinks(ctx context.Context, workspaceID string) ([]*models.Link, error) {
	return s.store.ListLinks(ctx, workspaceID)
}
