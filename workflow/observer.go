package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventStarted       EventType = "started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventSuspended     EventType = "suspended"
	EventResumed       EventType = "resumed"
	EventCompleted     EventType = "completed"
)

// Event describes progress of one instance.
type Event struct {
	Type          EventType
	WorkflowID    string
	ApplicationID string
	Step          Step
	Duration      time.Duration
	Err           error
	At            time.Time
}

// Observer is called synchronously by the orchestrator, in registration
// order, after the instance has been persisted.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// LogObserver writes events to a zap logger.
type LogObserver struct {
	logger *zap.Logger
}

func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnEvent(_ context.Context, ev Event) {
	fields := []zap.Field{
		zap.String("workflow_id", ev.WorkflowID),
		zap.String("application_id", ev.ApplicationID),
		zap.String("step", string(ev.Step)),
		zap.Duration("duration", ev.Duration),
	}
	switch ev.Type {
	case EventStepFailed:
		o.logger.Error("workflow step failed", append(fields, zap.Error(ev.Err))...)
	case EventSuspended:
		o.logger.Info("workflow suspended", fields...)
	case EventCompleted:
		o.logger.Info("workflow completed", fields...)
	default:
		o.logger.Debug("workflow "+string(ev.Type), fields...)
	}
}
