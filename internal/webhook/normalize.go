// Package webhook ingests asynchronous status callbacks from the hosted
// backend and the repository, normalizes them, and applies idempotent
// transitions to the run registry.
package webhook

import (
	"strings"

	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// statusTable maps every known provider status synonym onto the canonical
// run states. Synonyms not in the table normalize to running, the safest
// default for an in-flight job.
var statusTable = map[string]v1.RunState{
	"creating": v1.RunStateCreating,

	"queued":       v1.RunStateRunning,
	"pending":      v1.RunStateRunning,
	"accepted":     v1.RunStateRunning,
	"starting":     v1.RunStateRunning,
	"started":      v1.RunStateRunning,
	"running":      v1.RunStateRunning,
	"in_progress":  v1.RunStateRunning,
	"working":      v1.RunStateRunning,
	"processing":   v1.RunStateRunning,
	"initializing": v1.RunStateRunning,

	"finished":  v1.RunStateFinished,
	"completed": v1.RunStateFinished,
	"complete":  v1.RunStateFinished,
	"succeeded": v1.RunStateFinished,
	"success":   v1.RunStateFinished,
	"done":      v1.RunStateFinished,

	"failed":    v1.RunStateFailed,
	"failure":   v1.RunStateFailed,
	"error":     v1.RunStateFailed,
	"errored":   v1.RunStateFailed,
	"cancelled": v1.RunStateFailed,
	"canceled":  v1.RunStateFailed,
	"timeout":   v1.RunStateFailed,
	"timed_out": v1.RunStateFailed,
}

// NormalizeStatus maps a provider status string onto the canonical state
// alphabet.
func NormalizeStatus(status string) v1.RunState {
	if state, ok := statusTable[strings.ToLower(strings.TrimSpace(status))]; ok {
		return state
	}
	return v1.RunStateRunning
}
