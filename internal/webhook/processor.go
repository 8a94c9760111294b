package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/jobs"
	"github.com/crewdeck/crewdeck/internal/run"
	"github.com/crewdeck/crewdeck/internal/store"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// Outcome reports what a delivery did.
type Outcome struct {
	Status string      `json:"status"` // ok or ignored
	State  v1.RunState `json:"state,omitempty"`
}

// Processor applies normalized deliveries to the run registry and triggers
// the follow-on side effects (task status, plan storage, deferred
// continuations).
type Processor struct {
	store  store.Store
	queue  jobs.Queue
	bus    bus.EventBus
	logger *logger.Logger
}

// NewProcessor creates a webhook processor. bus may be nil in tests.
func NewProcessor(s store.Store, q jobs.Queue, b bus.EventBus, log *logger.Logger) *Processor {
	return &Processor{
		store:  s,
		queue:  q,
		bus:    b,
		logger: log.WithFields(zap.String("component", "webhook")),
	}
}

// ProcessAgentEvent handles one job-status delivery. Unknown external ids
// are absorbed: state is unchanged and the outcome is "ignored" so the
// provider stops retrying.
func (p *Processor) ProcessAgentEvent(ctx context.Context, externalID string, payload map[string]interface{}) (*Outcome, error) {
	r, err := p.store.GetRunByExternalID(ctx, externalID)
	if err != nil {
		if err == store.ErrNotFound {
			p.logger.Info("ignoring delivery for unknown external id",
				zap.String("external_id", externalID))
			return &Outcome{Status: "ignored"}, nil
		}
		return nil, err
	}

	target := NormalizeStatus(ExtractStatus(payload))
	fields := ExtractResultFields(payload)

	updated, advanced, err := p.store.AdvanceRunState(ctx, r.ID, run.Update{
		State:        target,
		Summary:      fields.Summary,
		ErrorMessage: fields.ErrorMessage,
		PRURL:        fields.PRURL,
		PRNumber:     fields.PRNumber,
	})
	if err != nil {
		return nil, err
	}

	if !advanced {
		// Duplicate or out-of-order delivery; acknowledged, not an error.
		p.logger.Info("absorbed stale delivery",
			zap.String("run_id", r.ID),
			zap.String("target", string(target)),
			zap.String("current", string(updated.State)))
		return &Outcome{Status: "ok", State: updated.State}, nil
	}

	p.publishRunEvent(ctx, updated)

	if updated.State == v1.RunStateFinished && updated.PRURL != "" {
		p.moveTask(ctx, updated.TaskID, v1.TaskStatusInReview)
	}

	if updated.Purpose == v1.RunPurposePlanning && updated.State.Terminal() {
		p.completePlanning(ctx, updated)
	}

	return &Outcome{Status: "ok", State: updated.State}, nil
}

// completePlanning stores the plan and enqueues sub-task generation on
// success, or marks the plan failed. The continuation never runs inline.
func (p *Processor) completePlanning(ctx context.Context, r *run.AgentRun) {
	task, err := p.store.GetTask(ctx, r.TaskID)
	if err != nil {
		p.logger.Error("planning run finished for missing task",
			zap.String("task_id", r.TaskID),
			zap.Error(err))
		return
	}

	if r.State == v1.RunStateFinished && r.Summary != "" {
		task.Plan = r.Summary
		task.PlanStatus = v1.PlanStatusReady
		if err := p.store.UpdateTask(ctx, task); err != nil {
			p.logger.Error("failed to store plan", zap.String("task_id", task.ID), zap.Error(err))
			return
		}

		p.publish(ctx, events.TaskPlanReady, map[string]interface{}{"task_id": task.ID})

		if err := p.queue.Enqueue(ctx, jobs.KindGenerateSubtasks, jobs.GenerateSubtasksPayload{
			TaskID: task.ID,
			RunID:  r.ID,
		}); err != nil {
			p.logger.Error("failed to enqueue sub-task generation",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		return
	}

	task.PlanStatus = v1.PlanStatusFailed
	msg := r.ErrorMessage
	if msg == "" {
		msg = "planning run did not produce a plan"
	}
	task.Plan = ""
	if err := p.store.UpdateTask(ctx, task); err != nil {
		p.logger.Error("failed to mark plan failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	p.publish(ctx, events.TaskPlanFailed, map[string]interface{}{
		"task_id": task.ID,
		"error":   msg,
	})
}

// ProcessPREvent handles one repository pull-request delivery, correlated
// by PR number. It only touches the PR state machine.
func (p *Processor) ProcessPREvent(ctx context.Context, action string, prNumber int, merged bool) (*Outcome, error) {
	r, err := p.store.GetRunByPRNumber(ctx, prNumber)
	if err != nil {
		if err == store.ErrNotFound {
			p.logger.Info("ignoring PR event for unknown number", zap.Int("pr_number", prNumber))
			return &Outcome{Status: "ignored"}, nil
		}
		return nil, err
	}

	if action != "closed" {
		// opened and reopened land on the initial open state; nothing to do.
		return &Outcome{Status: "ok", State: r.State}, nil
	}

	target := v1.PRStateClosed
	if merged {
		target = v1.PRStateMerged
	}

	updated, advanced, err := p.store.AdvanceRunPRState(ctx, r.ID, target)
	if err != nil {
		return nil, err
	}

	if advanced && target == v1.PRStateMerged {
		p.markTaskDone(ctx, updated.TaskID)
		p.publish(ctx, events.TaskCompleted, map[string]interface{}{"task_id": updated.TaskID})
	}

	return &Outcome{Status: "ok", State: updated.State}, nil
}

func (p *Processor) moveTask(ctx context.Context, taskID string, status v1.TaskStatus) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		p.logger.Error("failed to load task for status move", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	task.Status = status
	if err := p.store.UpdateTask(ctx, task); err != nil {
		p.logger.Error("failed to move task", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (p *Processor) markTaskDone(ctx context.Context, taskID string) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		p.logger.Error("failed to load task for completion", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	task.Status = v1.TaskStatusDone
	task.CompletedAt = &now
	if err := p.store.UpdateTask(ctx, task); err != nil {
		p.logger.Error("failed to complete task", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (p *Processor) publishRunEvent(ctx context.Context, r *run.AgentRun) {
	var eventType string
	switch r.State {
	case v1.RunStateRunning:
		eventType = events.RunStarted
	case v1.RunStateFinished:
		eventType = events.RunFinished
	case v1.RunStateFailed:
		eventType = events.RunFailed
	default:
		return
	}
	p.publish(ctx, eventType, map[string]interface{}{
		"run_id":  r.ID,
		"task_id": r.TaskID,
		"state":   string(r.State),
	})
}

func (p *Processor) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "webhook", data)
	if err := p.bus.Publish(ctx, eventType, event); err != nil {
		p.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
