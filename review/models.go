package review

import (
	"time"

	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/db"
	"github.com/c66w/business-cooperation-sub000/transition"
)

type TaskType string

const (
	TaskTypeReview       TaskType = "review"
	TaskTypeManualReview TaskType = "manual_review"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Status string

const (
	StatusPending    Status = transition.TaskPending
	StatusInProgress Status = transition.TaskInProgress
	StatusCompleted  Status = transition.TaskCompleted
	StatusFailed     Status = transition.TaskFailed
	StatusCancelled  Status = transition.TaskCancelled
)

// Decision is a reviewer's verdict on an application.
type Decision string

const (
	DecisionApproved         Decision = "approved"
	DecisionRejected         Decision = "rejected"
	DecisionChangesRequested Decision = "changes_requested"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionChangesRequested:
		return true
	}
	return false
}

// Task is one unit of reviewer work tied to an application.
type Task struct {
	ID            string
	ApplicationID string
	TaskType      TaskType
	AssignedTo    *string
	Priority      Priority
	Status        Status
	Decision      Decision
	Comment       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	AcceptedAt    *time.Time
	CompletedAt   *time.Time
}

// Assignee returns the assigned reviewer id or "".
func (t Task) Assignee() string {
	return db.Deref(t.AssignedTo)
}

type CreateTaskParams struct {
	ApplicationID string
	TaskType      TaskType
	Score         *int
	Actor         audit.Actor
}

// AssignResult reports who got a task. Warning is set when no reviewer had
// capacity and the default reviewer was used.
type AssignResult struct {
	TaskID     string
	ReviewerID string
	Auto       bool
	Warning    *apperr.AssignmentDegradedWarning
}

func (r AssignResult) Degraded() bool { return r.Warning != nil }

// Assignment is one item of a batch. An empty ReviewerID asks for
// auto-assignment.
type Assignment struct {
	TaskID     string
	ReviewerID string
}

type BatchResult struct {
	TaskID     string
	ReviewerID string
	Degraded   bool
	Err        error
}

type SubmitReviewParams struct {
	TaskID     string
	ReviewerID string
	Decision   Decision
	Comment    string
}

type ReviewResult struct {
	Task              Task
	ApplicationStatus string
}

// StatusUpdate carries the columns a task status change writes.
type StatusUpdate struct {
	TaskID      string
	Status      Status
	Decision    Decision
	Comment     string
	AcceptedAt  *time.Time
	CompletedAt *time.Time
}

// PriorityFromScore maps a validation score to a queue priority. Higher
// scores need less attention.
func PriorityFromScore(score *int) Priority {
	if score == nil {
		return PriorityMedium
	}
	switch {
	case *score >= 90:
		return PriorityLow
	case *score >= 70:
		return PriorityMedium
	default:
		return PriorityHigh
	}
}
