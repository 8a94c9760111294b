package v1

// TaskStatus represents the workflow status of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusDone       TaskStatus = "done"
)

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusInReview, TaskStatusDone:
		return true
	}
	return false
}

// PlanStatus tracks implementation-plan generation for a task.
type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "pending"
	PlanStatusGenerating PlanStatus = "generating"
	PlanStatusReady      PlanStatus = "ready"
	PlanStatusFailed     PlanStatus = "failed"
)

// Assignee identifies who is expected to carry out a task.
type Assignee string

const (
	AssigneeUser  Assignee = "user"
	AssigneeAgent Assignee = "agent"
)
