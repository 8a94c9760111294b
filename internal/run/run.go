// Package run defines the agent-run record and its state machine.
package run

import (
	"time"

	"github.com/google/uuid"

	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// AgentRun is one dispatched execution attempt against a backend. Runs are
// never deleted; a retried task simply gets a new run and the old one is
// abandoned in place.
type AgentRun struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	WorkspaceID string        `json:"workspace_id"`
	Backend     v1.RunBackend `json:"backend"`
	Purpose     v1.RunPurpose `json:"purpose"`

	// ExternalID is assigned by the backend on successful dispatch and is
	// the sole correlation key for webhook lookup. Empty until dispatch
	// succeeds.
	ExternalID string `json:"external_id,omitempty"`

	State v1.RunState `json:"state"`

	PRURL        string     `json:"pr_url,omitempty"`
	PRNumber     int        `json:"pr_number,omitempty"`
	PRState      v1.PRState `json:"pr_state,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// SubtasksGenerated is the idempotency key for the deferred sub-task
	// continuation: the worker only generates sub-tasks after winning the
	// compare-and-set on this flag.
	SubtasksGenerated bool `json:"subtasks_generated"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// New creates a run in the creating state for a dispatch attempt.
func New(taskID, workspaceID string, backend v1.RunBackend, purpose v1.RunPurpose) *AgentRun {
	return &AgentRun{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		Backend:     backend,
		Purpose:     purpose,
		State:       v1.RunStateCreating,
		StartedAt:   time.Now().UTC(),
	}
}

// Update carries the fields a state transition may set alongside the new
// state. Zero values leave the stored field untouched.
type Update struct {
	State        v1.RunState
	Summary      string
	ErrorMessage string
	PRURL        string
	PRNumber     int
}

// Apply attempts the transition described by u against r. It returns true
// if the run advanced, false if the transition was ignored because it does
// not move the run strictly forward. Duplicate and out-of-order deliveries
// land in the ignored branch.
func Apply(r *AgentRun, u Update) bool {
	if !r.State.Advances(u.State) {
		return false
	}

	r.State = u.State
	if u.Summary != "" {
		r.Summary = u.Summary
	}
	if u.ErrorMessage != "" {
		r.ErrorMessage = u.ErrorMessage
	}
	if u.PRURL != "" {
		r.PRURL = u.PRURL
		r.PRState = v1.PRStateOpen
	}
	if u.PRNumber != 0 {
		r.PRNumber = u.PRNumber
	}
	if u.State.Terminal() {
		now := time.Now().UTC()
		r.FinishedAt = &now
	}
	return true
}

// ApplyPRState attempts a pull-request state transition, driven by the
// repository webhook rather than the job webhook. PR states only move
// forward: open may become merged or closed; merged and closed are final.
func ApplyPRState(r *AgentRun, target v1.PRState) bool {
	switch r.PRState {
	case v1.PRStateOpen:
		if target == v1.PRStateMerged || target == v1.PRStateClosed {
			r.PRState = target
			return true
		}
	case "":
		// A close event can arrive before we ever saw the open.
		r.PRState = target
		return true
	}
	return false
}
