package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/task/models"
	"github.com/crewdeck/crewdeck/internal/task/service"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// Handler contains the HTTP handlers for workspaces and tasks.
type Handler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

func respondErr(c *gin.Context, err error) {
	var appErr *errors.AppError
	if e, ok := err.(*errors.AppError); ok {
		appErr = e
	} else {
		appErr = errors.Internal("request failed", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// Workspace endpoints

// CreateWorkspace creates a workspace
// POST /api/v1/workspaces
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.BadRequest(err.Error()))
		return
	}

	ws, err := h.service.CreateWorkspace(c.Request.Context(), &service.CreateWorkspaceRequest{
		Name:      req.Name,
		RepoOwner: req.RepoOwner,
		RepoName:  req.RepoName,
		RepoURL:   req.RepoURL,
	})
	if err != nil {
		h.logger.Error("failed to create workspace", zap.Error(err))
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

// GetWorkspace retrieves a workspace
// GET /api/v1/workspaces/:workspaceId
func (h *Handler) GetWorkspace(c *gin.Context) {
	ws, err := h.service.GetWorkspace(c.Request.Context(), c.Param("workspaceId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

// ListWorkspaces lists all workspaces
// GET /api/v1/workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	list, err := h.service.ListWorkspaces(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": list, "total": len(list)})
}

// Task endpoints

// CreateTask creates a task; a prompt makes it AI-originated
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.BadRequest(err.Error()))
		return
	}
	if req.Title == "" && req.Prompt == "" {
		respondErr(c, errors.BadRequest("either title or prompt is required"))
		return
	}

	task, err := h.service.CreateTask(c.Request.Context(), &service.CreateTaskRequest{
		WorkspaceID: req.WorkspaceID,
		Title:       req.Title,
		Description: req.Description,
		Prompt:      req.Prompt,
		Assignee:    v1.Assignee(req.Assignee),
	})
	if err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTaskView(task))
}

// GetTask retrieves a task
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskView(task))
}

// ListTasks lists a workspace's top-level tasks
// GET /api/v1/workspaces/:workspaceId/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.service.ListTasks(c.Request.Context(), c.Param("workspaceId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskList(tasks))
}

// UpdateTask applies a partial update
// PATCH /api/v1/tasks/:taskId
func (h *Handler) UpdateTask(c *gin.Context) {
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.BadRequest(err.Error()))
		return
	}

	svcReq := &service.UpdateTaskRequest{
		Title:       req.Title,
		Description: req.Description,
	}
	if req.Status != nil {
		status := v1.TaskStatus(*req.Status)
		svcReq.Status = &status
	}
	if req.Assignee != nil {
		assignee := v1.Assignee(*req.Assignee)
		svcReq.Assignee = &assignee
	}

	task, err := h.service.UpdateTask(c.Request.Context(), c.Param("taskId"), svcReq)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskView(task))
}

// ListSubtasks lists a task's sub-tasks in position order
// GET /api/v1/tasks/:taskId/subtasks
func (h *Handler) ListSubtasks(c *gin.Context) {
	subs, err := h.service.ListSubtasks(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskList(subs))
}

// RetryPlanning re-runs the planning pipeline
// POST /api/v1/tasks/:taskId/plan/retry
func (h *Handler) RetryPlanning(c *gin.Context) {
	task, err := h.service.RetryPlanning(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toTaskView(task))
}

// ListRuns returns the run history for a task
// GET /api/v1/tasks/:taskId/runs
func (h *Handler) ListRuns(c *gin.Context) {
	runs, err := h.service.ListRuns(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

// IssueToken mints a task-scoped agent token
// POST /api/v1/tasks/:taskId/token
func (h *Handler) IssueToken(c *gin.Context) {
	token, err := h.service.IssueToken(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, TokenResponse{
		Token:       token.Token,
		TaskID:      token.TaskID,
		WorkspaceID: token.WorkspaceID,
		ExpiresAt:   token.ExpiresAt,
	})
}

// Conversation endpoints

// PostMessage appends a message to the task conversation
// POST /api/v1/tasks/:taskId/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.BadRequest(err.Error()))
		return
	}

	m, err := h.service.PostMessage(c.Request.Context(), c.Param("taskId"), req.Author, req.Body)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// ListMessages returns the task conversation, oldest first
// GET /api/v1/tasks/:taskId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.ListMessages(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}

// Doc and link endpoints

// CreateDoc adds a workspace document
// POST /api/v1/workspaces/:workspaceId/docs
func (h *Handler) CreateDoc(c *gin.Context) {
	var req CreateDocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.BadRequest(err.Error()))
		return
	}

	d, err := h.service.CreateDoc(c.Request.Context(), c.Param("workspaceId"), req.Title, req.Content)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ListDocs lists workspace documents
// GET /api/v1/workspaces/:workspaceId/docs
func (h *Handler) ListDocs(c *gin.Context) {
	docs, err := h.service.ListDocs(c.Request.Context(), c.Param("workspaceId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docs": docs, "total": len(docs)})
}

// CreateLink attaches an external reference to a workspace
// POST /api/v1/workspaces/:workspaceId/links
func (h *Handler) CreateLink(c *gin.Context) {
	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.BadRequest(err.Error()))
		return
	}

	l, err := h.service.CreateLink(c.Request.Context(), c.Param("workspaceId"), req.Title, req.URL)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

// ListLinks lists workspace links
// GET /api/v1/workspaces/:workspaceId/links
func (h *Handler) ListLinks(c *gin.Context) {
	links, err := h.service.ListLinks(c.Request.Context(), c.Param("workspaceId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links, "total": len(links)})
}

func toTaskView(t *models.Task) *taskView {
	return &taskView{
		ID:          t.ID,
		WorkspaceID: t.WorkspaceID,
		ParentID:    t.ParentID,
		Title:       t.Title,
		Description: t.Description,
		Prompt:      t.Prompt,
		Status:      t.Status,
		Assignee:    t.Assignee,
		Position:    t.Position,
		Plan:        t.Plan,
		PlanStatus:  t.PlanStatus,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func toTaskList(tasks []*models.Task) *TasksListResponse {
	views := make([]*taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	return &TasksListResponse{Tasks: views, Total: len(views)}
}
