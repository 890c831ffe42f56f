package audit

import "time"

// Action names what happened in a history entry.
type Action string

const (
	ActionCreated   Action = "created"
	ActionSubmitted Action = "submitted"
	ActionAssigned  Action = "assigned"
	ActionReviewed  Action = "reviewed"
	ActionApproved  Action = "approved"
	ActionRejected  Action = "rejected"
	ActionModified  Action = "modified"
	ActionCancelled Action = "cancelled"
)

// ActorType classifies who triggered an entry.
type ActorType string

const (
	ActorSystem   ActorType = "system"
	ActorMerchant ActorType = "merchant"
	ActorReviewer ActorType = "reviewer"
	ActorAdmin    ActorType = "admin"
)

// Subject tells which status graph FromStatus/ToStatus belong to.
type Subject string

const (
	SubjectApplication Subject = "application"
	SubjectTask        Subject = "task"
)

// Actor identifies the principal behind a change.
type Actor struct {
	Type ActorType
	ID   string
}

// System is the actor used for automatic steps.
var System = Actor{Type: ActorSystem, ID: "system"}

// Entry is one immutable history record. Entries that are not status
// transitions leave FromStatus and ToStatus empty.
type Entry struct {
	ID            int64
	ApplicationID string
	TaskID        string
	Subject       Subject
	Action        Action
	ActorType     ActorType
	ActorID       string
	FromStatus    string
	ToStatus      string
	Comment       string
	Timestamp     time.Time
}

// IsTransition reports whether the entry records a status change.
func (e Entry) IsTransition() bool {
	return e.ToStatus != ""
}

func validAction(a Action) bool {
	switch a {
	case ActionCreated, ActionSubmitted, ActionAssigned, ActionReviewed,
		ActionApproved, ActionRejected, ActionModified, ActionCancelled:
		return true
	}
	return false
}

func validActorType(a ActorType) bool {
	switch a {
	case ActorSystem, ActorMerchant, ActorReviewer, ActorAdmin:
		return true
	}
	return false
}
