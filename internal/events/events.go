// Package events defines the subjects published on the event bus.
package events

// Run lifecycle events, published by the webhook layer and adapters.
const (
	RunCreated  = "run.created"
	RunStarted  = "run.started"
	RunFinished = "run.finished"
	RunFailed   = "run.failed"
)

// Task events.
const (
	TaskPlanReady  = "task.plan.ready"
	TaskPlanFailed = "task.plan.failed"
	TaskCompleted  = "task.completed"
)

// Job subjects consumed by the deferred worker.
const (
	JobSubjectPrefix = "jobs."
)
