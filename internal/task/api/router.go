package api

import (
	"github.com/gin-gonic/gin"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/task/service"
)

// SetupRoutes configures the workspace and task API routes.
func SetupRoutes(router *gin.RouterGroup, svc *service.Service, log *logger.Logger) {
	handler := NewHandler(svc, log)

	workspaces := router.Group("/workspaces")
	{
		workspaces.POST("", handler.CreateWorkspace)
		workspaces.GET("", handler.ListWorkspaces)
		workspaces.GET("/:workspaceId", handler.GetWorkspace)

		workspaces.GET("/:workspaceId/tasks", handler.ListTasks)
		workspaces.POST("/:workspaceId/docs", handler.CreateDoc)
		workspaces.GET("/:workspaceId/docs", handler.ListDocs)
		workspaces.POST("/:workspaceId/links", handler.CreateLink)
		workspaces.GET("/:workspaceId/links", handler.ListLinks)
	}

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.PATCH("/:taskId", handler.UpdateTask)
		tasks.GET("/:taskId/subtasks", handler.ListSubtasks)
		tasks.POST("/:taskId/plan/retry", handler.RetryPlanning)
		tasks.GET("/:taskId/runs", handler.ListRuns)
		tasks.POST("/:taskId/token", handler.IssueToken)
		tasks.POST("/:taskId/messages", handler.PostMessage)
		tasks.GET("/:taskId/messages", handler.ListMessages)
	}
}
