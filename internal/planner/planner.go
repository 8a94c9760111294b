// Package planner runs the planning pipeline: title generation, context
// auto-linking, description generation, plan acquisition with backend
// fallback, and sub-task decomposition.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/jobs"
	"github.com/crewdeck/crewdeck/internal/llm"
	"github.com/crewdeck/crewdeck/internal/run"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// Planner sequences the pipeline for one task at a time. Backends are tried
// in order; a dispatch-time failure falls through to the next tier, and the
// direct model call is the tier of last resort.
type Planner struct {
	store    store.Store
	gen      llm.Generator
	backends []backend.Dispatcher
	queue    jobs.Queue
	bus      bus.EventBus
	logger   *logger.Logger
}

// New creates a planner. backends is the ordered fallback chain, hosted
// first. bus may be nil in tests.
func New(s store.Store, gen llm.Generator, backends []backend.Dispatcher, q jobs.Queue, b bus.EventBus, log *logger.Logger) *Planner {
	return &Planner{
		store:    s,
		gen:      gen,
		backends: backends,
		queue:    q,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "planner")),
	}
}

// RegisterWorkers subscribes the planner to its deferred job kinds.
func (p *Planner) RegisterWorkers(q jobs.Queue) ([]jobs.Unsubscribe, error) {
	var subs []jobs.Unsubscribe

	planSub, err := q.Consume(jobs.KindPlanTask, func(ctx context.Context, job *jobs.Job) error {
		var payload jobs.PlanTaskPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed %s payload: %w", jobs.KindPlanTask, err)
		}
		return p.PlanTask(ctx, payload.TaskID, payload.Regenerate)
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, planSub)

	subSub, err := q.Consume(jobs.KindGenerateSubtasks, func(ctx context.Context, job *jobs.Job) error {
		var payload jobs.GenerateSubtasksPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed %s payload: %w", jobs.KindGenerateSubtasks, err)
		}
		return p.GenerateSubtasks(ctx, payload.TaskID, payload.RunID)
	})
	if err != nil {
		planSub()
		return nil, err
	}
	subs = append(subs, subSub)

	return subs, nil
}

// PlanTask runs the pipeline for a task created from a free-text prompt,
// or re-runs it. Regeneration deletes existing sub-tasks and keeps the
// existing title. The task never stays in plan status "generating" after
// this returns unless a hosted run is in flight.
func (p *Planner) PlanTask(ctx context.Context, taskID string, regenerate bool) error {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	log := p.logger.WithFields(zap.String("task_id", task.ID))

	if regenerate {
		if err := p.store.DeleteSubtasks(ctx, task.ID); err != nil {
			return err
		}
	} else if task.Title == "" {
		title, err := p.generateTitle(ctx, task.Prompt)
		if err != nil {
			log.Warn("title generation failed, falling back to prompt excerpt", zap.Error(err))
			title = excerpt(task.Prompt, 80)
		}
		task.Title = title
	}

	linked, err := p.linkContext(ctx, task)
	if err != nil {
		// Auto-linking is best effort; a plan without linked context is
		// still a plan.
		log.Warn("context linking failed", zap.Error(err))
	}

	if task.Description == "" || regenerate {
		desc, err := p.generateDescription(ctx, task, linked)
		if err != nil {
			log.Warn("description generation failed", zap.Error(err))
		} else {
			task.Description = desc
		}
	}

	// Title and description land before the slow plan step so the UI is
	// never blocked on it.
	task.PlanStatus = v1.PlanStatusGenerating
	if err := p.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	return p.acquirePlan(ctx, task)
}

// acquirePlan walks the fallback chain. Hosted success means the plan
// arrives later via webhook; every synchronous tier stores the plan and
// enqueues decomposition itself.
func (p *Planner) acquirePlan(ctx context.Context, task *models.Task) error {
	for _, d := range p.backends {
		r := run.New(task.ID, task.WorkspaceID, d.Name(), v1.RunPurposePlanning)
		if err := p.store.CreateRun(ctx, r); err != nil {
			return err
		}
		task.PlanningRunID = r.ID
		if err := p.store.UpdateTask(ctx, task); err != nil {
			return err
		}

		res, err := d.Dispatch(ctx, task, v1.RunPurposePlanning)
		if err != nil {
			p.failRun(ctx, r.ID, err)
			if errors.IsDispatchFailure(err) {
				p.logger.Warn("backend dispatch failed, falling back",
					zap.String("task_id", task.ID),
					zap.String("backend", string(d.Name())),
					zap.Error(err))
				continue
			}
			return p.markPlanFailed(ctx, task, fmt.Sprintf("planning on %s failed: %v", d.Name(), err))
		}

		if res.Completed {
			return p.storePlan(ctx, task, r.ID, res.Output)
		}

		// Asynchronous path: the webhook layer finishes this run.
		if err := p.store.SetRunExternalID(ctx, r.ID, res.ExternalID); err != nil {
			return err
		}
		p.logger.Info("planning run dispatched",
			zap.String("task_id", task.ID),
			zap.String("run_id", r.ID),
			zap.String("backend", string(d.Name())),
			zap.String("external_id", res.ExternalID))
		return nil
	}

	return p.planDirect(ctx, task)
}

// planDirect is the tier of last resort: a model call with no code
// exploration.
func (p *Planner) planDirect(ctx context.Context, task *models.Task) error {
	r := run.New(task.ID, task.WorkspaceID, v1.RunBackendLLM, v1.RunPurposePlanning)
	if err := p.store.CreateRun(ctx, r); err != nil {
		return err
	}
	task.PlanningRunID = r.ID
	if err := p.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	text, err := p.gen.Generate(ctx, planPrompt(task))
	if err != nil || strings.TrimSpace(text) == "" {
		if err == nil {
			err = fmt.Errorf("model returned an empty plan")
		}
		p.failRun(ctx, r.ID, err)
		return p.markPlanFailed(ctx, task,
			fmt.Sprintf("all planning backends failed; direct generation failed: %v", err))
	}

	return p.storePlan(ctx, task, r.ID, text)
}

func (p *Planner) storePlan(ctx context.Context, task *models.Task, runID, plan string) error {
	if _, _, err := p.store.AdvanceRunState(ctx, runID, run.Update{
		State:   v1.RunStateFinished,
		Summary: plan,
	}); err != nil {
		return err
	}

	task.Plan = plan
	task.PlanStatus = v1.PlanStatusReady
	if err := p.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	p.publish(ctx, events.TaskPlanReady, map[string]interface{}{"task_id": task.ID})

	return p.queue.Enqueue(ctx, jobs.KindGenerateSubtasks, jobs.GenerateSubtasksPayload{
		TaskID: task.ID,
		RunID:  runID,
	})
}

// markPlanFailed leaves the task in a readable failed state. It never
// returns the triggering error upward: the pipeline handled it.
func (p *Planner) markPlanFailed(ctx context.Context, task *models.Task, msg string) error {
	task.PlanStatus = v1.PlanStatusFailed
	if err := p.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	p.logger.Warn("plan generation exhausted all tiers",
		zap.String("task_id", task.ID),
		zap.String("reason", msg))
	p.publish(ctx, events.TaskPlanFailed, map[string]interface{}{
		"task_id": task.ID,
		"error":   msg,
	})
	return nil
}

func (p *Planner) failRun(ctx context.Context, runID string, cause error) {
	if _, _, err := p.store.AdvanceRunState(ctx, runID, run.Update{
		State:        v1.RunStateFailed,
		ErrorMessage: cause.Error(),
	}); err != nil {
		p.logger.Error("failed to record run failure", zap.String("run_id", runID), zap.Error(err))
	}
}

func (p *Planner) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "planner", data)); err != nil {
		p.logger.Warn("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
