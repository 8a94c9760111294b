package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

const (
	toolSearchContext = "search_context"
	toolUpdateStatus  = "update_task_status"
	toolPostComment   = "post_comment"
	toolMarkComplete  = "mark_complete"

	// agentAuthor is how tool-posted messages appear in the conversation.
	agentAuthor = "agent"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(toolSearchContext,
			mcp.WithDescription("Search docs, messages, links, and tasks in this workspace."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Free-text query")),
		),
		s.scoped(toolSearchContext, s.searchHandler),
	)

	s.mcpServer.AddTool(
		mcp.NewTool(toolUpdateStatus,
			mcp.WithDescription("Update the status of the scoped task."),
			mcp.WithString("status", mcp.Required(),
				mcp.Description("The new task status"),
				mcp.Enum("todo", "in_progress", "in_review", "done"),
			),
		),
		s.scoped(toolUpdateStatus, s.updateStatusHandler),
	)

	s.mcpServer.AddTool(
		mcp.NewTool(toolPostComment,
			mcp.WithDescription("Post a comment into the task conversation."),
			mcp.WithString("body", mcp.Required(), mcp.Description("The comment text")),
		),
		s.scoped(toolPostComment, s.postCommentHandler),
	)

	s.mcpServer.AddTool(
		mcp.NewTool(toolMarkComplete,
			mcp.WithDescription("Post a completion summary and mark the task done."),
			mcp.WithString("summary", mcp.Required(), mcp.Description("What was accomplished")),
		),
		s.scoped(toolMarkComplete, s.markCompleteHandler),
	)
}

// scoped resolves the request scope before invoking the handler and logs
// tool failures.
func (s *Server) scoped(name string, handler func(ctx context.Context, sc *scope, req mcp.CallToolRequest) (*mcp.CallToolResult, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sc, ok := scopeFrom(ctx)
		if !ok {
			return mcp.NewToolResultError("no authenticated scope"), nil
		}

		result, err := handler(ctx, sc, req)
		if err != nil {
			s.logger.Warn("tool call failed",
				zap.String("tool", name),
				zap.String("task_id", sc.task.ID),
				zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result, nil
	}
}

func (s *Server) updateStatusHandler(ctx context.Context, sc *scope, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("status")
	if err != nil {
		return nil, fmt.Errorf("status is required")
	}

	status := v1.TaskStatus(raw)
	if !v1.ValidTaskStatus(status) {
		return nil, fmt.Errorf("unknown status %q", raw)
	}

	task, err := s.store.GetTask(ctx, sc.task.ID)
	if err != nil {
		return nil, err
	}
	task.Status = status
	if status == v1.TaskStatusDone && task.CompletedAt == nil {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	sc.task = task

	return mcp.NewToolResultText(fmt.Sprintf("Task status updated to %s.", status)), nil
}

func (s *Server) postCommentHandler(ctx context.Context, sc *scope, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, err := req.RequireString("body")
	if err != nil || body == "" {
		return nil, fmt.Errorf("body is required")
	}

	if err := s.store.CreateMessage(ctx, &models.Message{
		TaskID: sc.task.ID,
		Author: agentAuthor,
		Body:   body,
	}); err != nil {
		return nil, err
	}

	return mcp.NewToolResultText("Comment posted."), nil
}

// markCompleteHandler posts the summary into the conversation, then forces
// the task to done regardless of its current status.
func (s *Server) markCompleteHandler(ctx context.Context, sc *scope, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := req.RequireString("summary")
	if err != nil || summary == "" {
		return nil, fmt.Errorf("summary is required")
	}

	if err := s.store.CreateMessage(ctx, &models.Message{
		TaskID: sc.task.ID,
		Author: agentAuthor,
		Body:   summary,
	}); err != nil {
		return nil, err
	}

	task, err := s.store.GetTask(ctx, sc.task.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	task.Status = v1.TaskStatusDone
	task.CompletedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	sc.task = task

	return mcp.NewToolResultText("Task marked complete."), nil
}
