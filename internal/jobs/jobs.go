// Package jobs provides the deferred work queue. Webhook handlers and API
// handlers enqueue continuations here instead of running them inline; a
// worker consumes them in its own failure domain.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job kinds.
const (
	KindPlanTask         = "plan_task"
	KindGenerateSubtasks = "generate_subtasks"
)

// Job is one unit of deferred work.
type Job struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Enqueued time.Time       `json:"enqueued"`
}

// PlanTaskPayload triggers the planning pipeline for a task.
type PlanTaskPayload struct {
	TaskID string `json:"task_id"`
	// Regenerate deletes existing sub-tasks and keeps the title.
	Regenerate bool `json:"regenerate,omitempty"`
}

// GenerateSubtasksPayload triggers sub-task decomposition after a planning
// run finished. RunID is the dedup key.
type GenerateSubtasksPayload struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
}

// Handler processes one job. A returned error is logged by the queue; jobs
// are not retried automatically.
type Handler func(ctx context.Context, job *Job) error

// Unsubscribe tears down a consumer.
type Unsubscribe func() error

// Queue enqueues and consumes deferred work.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload interface{}) error
	Consume(kind string, handler Handler) (Unsubscribe, error)
	Close()
}

func newJob(kind string, payload interface{}) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:       uuid.New().String(),
		Kind:     kind,
		Payload:  data,
		Enqueued: time.Now().UTC(),
	}, nil
}
