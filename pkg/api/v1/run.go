package v1

// RunState represents the lifecycle state of an agent run.
type RunState string

const (
	RunStateCreating RunState = "creating"
	RunStateRunning  RunState = "running"
	RunStateFinished RunState = "finished"
	RunStateFailed   RunState = "failed"
)

// runStateRank orders states for monotonic transitions. Transitions that
// target a rank at or below the current one are ignored, which absorbs
// duplicate and out-of-order webhook deliveries.
var runStateRank = map[RunState]int{
	RunStateCreating: 0,
	RunStateRunning:  1,
	RunStateFinished: 2,
	RunStateFailed:   2,
}

// Rank returns the ordering rank of a run state. Unknown states rank lowest.
func (s RunState) Rank() int {
	return runStateRank[s]
}

// Terminal reports whether the state is terminal.
func (s RunState) Terminal() bool {
	return s == RunStateFinished || s == RunStateFailed
}

// Advances reports whether transitioning from s to target moves the run
// strictly forward.
func (s RunState) Advances(target RunState) bool {
	return target.Rank() > s.Rank()
}

// RunBackend identifies which execution backend services a run.
type RunBackend string

const (
	RunBackendHosted  RunBackend = "hosted"
	RunBackendSandbox RunBackend = "sandbox"
	// RunBackendLLM marks plan runs produced by a direct model call after
	// both execution backends were unavailable.
	RunBackendLLM RunBackend = "llm"
)

// RunPurpose identifies what a run is expected to produce.
type RunPurpose string

const (
	RunPurposePlanning       RunPurpose = "planning"
	RunPurposeImplementation RunPurpose = "implementation"
)

// PRState tracks a pull request opened by an agent run.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateMerged PRState = "merged"
	PRStateClosed PRState = "closed"
)
