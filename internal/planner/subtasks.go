package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

const maxSubtasks = 6

type subtaskItem struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Assignee    string `json:"assignee"`
}

type subtasksResponse struct {
	Subtasks []subtaskItem `json:"subtasks"`
}

// GenerateSubtasks decomposes a ready plan into sub-tasks. The run id is
// the idempotency key: the compare-and-set on the run absorbs duplicate
// deliveries of the same plan, so a redelivered webhook or a crashed-and-
// retried worker never creates a second batch.
func (p *Planner) GenerateSubtasks(ctx context.Context, taskID, runID string) error {
	if runID != "" {
		first, err := p.store.MarkSubtasksGenerated(ctx, runID)
		if err != nil {
			return err
		}
		if !first {
			p.logger.Info("sub-tasks already generated for run, skipping",
				zap.String("task_id", taskID),
				zap.String("run_id", runID))
			return nil
		}
	}

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Plan == "" {
		p.logger.Warn("sub-task generation requested without a plan", zap.String("task_id", taskID))
		return nil
	}

	var resp subtasksResponse
	if err := p.gen.GenerateJSON(ctx, subtasksPrompt(task), &resp); err != nil {
		return fmt.Errorf("sub-task decomposition failed: %w", err)
	}
	if len(resp.Subtasks) == 0 {
		return fmt.Errorf("model returned no sub-tasks for task %s", taskID)
	}
	if len(resp.Subtasks) > maxSubtasks {
		resp.Subtasks = resp.Subtasks[:maxSubtasks]
	}

	for i, item := range resp.Subtasks {
		sub := &models.Task{
			WorkspaceID: task.WorkspaceID,
			ParentID:    task.ID,
			Title:       item.Title,
			Description: item.Description,
			Status:      v1.TaskStatusTodo,
			Assignee:    normalizeAssignee(item.Assignee),
			Position:    i + 1,
		}
		if err := p.store.CreateTask(ctx, sub); err != nil {
			return err
		}
	}

	p.logger.Info("generated sub-tasks",
		zap.String("task_id", taskID),
		zap.Int("count", len(resp.Subtasks)))
	return nil
}

// normalizeAssignee defaults anything that is not explicitly "user" to the
// agent, so malformed model output still yields runnable work.
func normalizeAssignee(s string) v1.Assignee {
	if s == string(v1.AssigneeUser) {
		return v1.AssigneeUser
	}
	return v1.AssigneeAgent
}
