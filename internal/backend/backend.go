// Package backend defines the execution backend contract shared by the
// hosted and sandbox adapters.
package backend

import (
	"context"

	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// Result is the outcome of a dispatch call.
type Result struct {
	// ExternalID is the backend-assigned job identifier used to correlate
	// later webhook deliveries.
	ExternalID string

	// Completed is true when the backend ran the job synchronously (the
	// sandbox path). Output then holds the flat text result and no webhook
	// will follow.
	Completed bool
	Output    string
}

// Dispatcher runs a coding or planning job on one backend. Failures are
// returned as typed AppErrors (NOT_CONFIGURED, NO_REPOSITORY,
// BACKEND_UNAVAILABLE) so the pipeline can decide whether to fall back.
type Dispatcher interface {
	Name() v1.RunBackend
	Dispatch(ctx context.Context, task *models.Task, purpose v1.RunPurpose) (*Result, error)
}
