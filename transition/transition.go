// Package transition holds the legal status graphs for applications and review
// tasks. It keeps no state; every answer is a lookup over the fixed graphs.
package transition

import "github.com/c66w/business-cooperation-sub000/apperr"

// Entity names the graph a transition is checked against.
type Entity string

const (
	EntityApplication Entity = "application"
	EntityTask        Entity = "task"
)

// Application statuses.
const (
	AppDraft            = "draft"
	AppSubmitted        = "submitted"
	AppUnderReview      = "under_review"
	AppApproved         = "approved"
	AppRejected         = "rejected"
	AppChangesRequested = "changes_requested"
)

// Review task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

var graphs = map[Entity]map[string][]string{
	EntityApplication: {
		AppDraft:            {AppSubmitted},
		AppSubmitted:        {AppUnderReview, AppRejected},
		AppUnderReview:      {AppApproved, AppRejected, AppChangesRequested},
		AppChangesRequested: {AppSubmitted},
		AppApproved:         nil,
		AppRejected:         nil,
	},
	EntityTask: {
		TaskPending:    {TaskInProgress, TaskCancelled},
		TaskInProgress: {TaskCompleted, TaskFailed},
		TaskCompleted:  nil,
		TaskFailed:     nil,
		TaskCancelled:  nil,
	},
}

// CanTransition reports whether from -> to is an edge of the entity's graph.
// Self-transitions are never edges.
func CanTransition(entity Entity, from, to string) bool {
	if from == to {
		return false
	}
	graph, ok := graphs[entity]
	if !ok {
		return false
	}
	for _, next := range graph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Assert returns an IllegalTransitionError when from -> to is not legal.
func Assert(entity Entity, from, to string) error {
	if CanTransition(entity, from, to) {
		return nil
	}
	return &apperr.IllegalTransitionError{Entity: string(entity), From: from, To: to}
}

// IsTerminal reports whether state has no outgoing edges.
func IsTerminal(entity Entity, state string) bool {
	graph, ok := graphs[entity]
	if !ok {
		return false
	}
	next, known := graph[state]
	return known && len(next) == 0
}

// IsKnown reports whether state belongs to the entity's graph.
func IsKnown(entity Entity, state string) bool {
	_, ok := graphs[entity][state]
	return ok
}

// States lists every state of the entity's graph.
func States(entity Entity) []string {
	out := make([]string, 0, len(graphs[entity]))
	for state := range graphs[entity] {
		out = append(out, state)
	}
	return out
}

// Edges lists the legal successors of from.
func Edges(entity Entity, from string) []string {
	next := graphs[entity][from]
	out := make([]string, len(next))
	copy(out, next)
	return out
}
