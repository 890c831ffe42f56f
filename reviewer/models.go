package reviewer

import "time"

// Reviewer is a pool member eligible for task assignment.
type Reviewer struct {
	ID                 string
	DisplayName        string
	MaxConcurrentTasks int
	IsActive           bool
	CreatedAt          time.Time
}

// Load is the assignment read model: a reviewer's capacity next to the number
// of tasks they currently have in progress.
type Load struct {
	ReviewerID         string
	MaxConcurrentTasks int
	InProgress         int
	IsActive           bool
}

// HasCapacity reports whether the reviewer can take another task.
func (l Load) HasCapacity() bool {
	return l.IsActive && l.InProgress < l.MaxConcurrentTasks
}
