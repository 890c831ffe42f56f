// Package review creates review tasks, assigns them to reviewers and applies
// reviewer decisions. Task and application status changes made here share one
// transaction with their history entries.
package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/db"
	"github.com/c66w/business-cooperation-sub000/reviewer"
	"github.com/c66w/business-cooperation-sub000/transition"
)

// DefaultReviewer receives tasks when nobody in the pool has capacity.
const DefaultReviewer = "admin_001"

// DegradedComment is written to history when the default reviewer is used.
const DegradedComment = "no available reviewer, defaulted"

const (
	TopicTaskAssigned  = "review.task_assigned"
	TopicTaskCompleted = "review.task_completed"
)

type HistoryRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error
}

// LoadReader reports reviewer loads, optionally inside a transaction.
type LoadReader interface {
	Loads(ctx context.Context, q db.Querier) ([]reviewer.Load, error)
}

// ApplicationTransitioner moves the application a task belongs to.
type ApplicationTransitioner interface {
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, params application.UpdateStatusParams) (application.Application, error)
}

// Metrics receives assignment counters.
type Metrics interface {
	TaskAssigned(auto bool)
	AssignmentDegraded()
	ReviewCompleted(decision string)
}

type nopMetrics struct{}

func (nopMetrics) TaskAssigned(bool)      {}
func (nopMetrics) AssignmentDegraded()    {}
func (nopMetrics) ReviewCompleted(string) {}

type Service struct {
	pool            db.TxBeginner
	repo            Repository
	loads           LoadReader
	apps            ApplicationTransitioner
	history         HistoryRecorder
	outbox          OutboxWriter
	defaultReviewer string
	logger          *zap.Logger
	metrics         Metrics
	idGenerator     func() string
	now             func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, loads LoadReader, apps ApplicationTransitioner, history HistoryRecorder) *Service {
	return &Service{
		pool:            pool,
		repo:            repo,
		loads:           loads,
		apps:            apps,
		history:         history,
		defaultReviewer: DefaultReviewer,
		logger:          zap.NewNop(),
		metrics:         nopMetrics{},
		idGenerator:     uuid.NewString,
		now:             time.Now,
	}
}

func (s *Service) WithOutbox(out OutboxWriter) *Service {
	s.outbox = out
	return s
}

func (s *Service) WithDefaultReviewer(id string) *Service {
	if id != "" {
		s.defaultReviewer = id
	}
	return s
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithMetrics(m Metrics) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateTask inserts a pending task whose priority follows the validation
// score.
func (s *Service) CreateTask(ctx context.Context, params CreateTaskParams) (Task, error) {
	if params.ApplicationID == "" {
		return Task{}, apperr.Validation("applicationId", "is required")
	}
	if params.TaskType == "" {
		params.TaskType = TaskTypeReview
	}
	if params.TaskType != TaskTypeReview && params.TaskType != TaskTypeManualReview {
		return Task{}, apperr.Validation("taskType", "must be review or manual_review")
	}
	actor := params.Actor
	if actor.Type == "" {
		actor = audit.System
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, apperr.Persistence("create task", err)
	}
	defer tx.Rollback(ctx)

	task, err := s.repo.Insert(ctx, tx, Task{
		ID:            s.idGenerator(),
		ApplicationID: params.ApplicationID,
		TaskType:      params.TaskType,
		Priority:      PriorityFromScore(params.Score),
		Status:        StatusPending,
	})
	if err != nil {
		return Task{}, apperr.Persistence("create task", err)
	}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: task.ApplicationID,
		TaskID:        task.ID,
		Action:        audit.ActionCreated,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		ToStatus:      string(StatusPending),
		Comment:       string(task.TaskType) + " task, " + string(task.Priority) + " priority",
	}); err != nil {
		return Task{}, apperr.Persistence("create task", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, apperr.Persistence("create task", err)
	}
	return task, nil
}

// AssignReviewer assigns a task. A preferred reviewer is taken as is, without
// a capacity check. Otherwise the least loaded reviewer with free capacity is
// picked, falling back to the default reviewer; the fallback is reported as a
// warning in the result, never as an error. The task status does not change.
func (s *Service) AssignReviewer(ctx context.Context, taskID, preferred string, actor audit.Actor) (AssignResult, error) {
	if taskID == "" {
		return AssignResult{}, apperr.Validation("taskId", "is required")
	}
	if actor.Type == "" {
		actor = audit.System
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AssignResult{}, apperr.Persistence("assign reviewer", err)
	}
	defer tx.Rollback(ctx)

	task, err := s.repo.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return AssignResult{}, apperr.Persistence("assign reviewer", err)
	}
	if transition.IsTerminal(transition.EntityTask, string(task.Status)) {
		return AssignResult{}, &apperr.IllegalTransitionError{Entity: string(transition.EntityTask), From: string(task.Status), To: string(task.Status)}
	}

	result := AssignResult{TaskID: taskID}
	preferred = strings.TrimSpace(preferred)
	if preferred != "" {
		result.ReviewerID = preferred
	} else {
		result.Auto = true
		loads, err := s.loads.Loads(ctx, tx)
		if err != nil {
			return AssignResult{}, apperr.Persistence("assign reviewer", err)
		}
		if id, ok := PickReviewer(loads); ok {
			result.ReviewerID = id
		} else {
			result.ReviewerID = s.defaultReviewer
			result.Warning = &apperr.AssignmentDegradedWarning{TaskID: taskID, DefaultReviewer: s.defaultReviewer}
		}
	}

	if err := s.repo.SetAssignee(ctx, tx, taskID, result.ReviewerID); err != nil {
		return AssignResult{}, apperr.Persistence("assign reviewer", err)
	}

	comment := "assigned to " + result.ReviewerID
	if result.Degraded() {
		comment = DegradedComment
	}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: task.ApplicationID,
		TaskID:        taskID,
		Action:        audit.ActionAssigned,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Comment:       comment,
	}); err != nil {
		return AssignResult{}, apperr.Persistence("assign reviewer", err)
	}
	if s.outbox != nil {
		payload := map[string]any{
			"task_id":        taskID,
			"application_id": task.ApplicationID,
			"reviewer_id":    result.ReviewerID,
			"degraded":       result.Degraded(),
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicTaskAssigned, taskID, payload); err != nil {
			return AssignResult{}, apperr.Persistence("assign reviewer", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AssignResult{}, apperr.Persistence("assign reviewer", err)
	}

	s.metrics.TaskAssigned(result.Auto)
	if result.Degraded() {
		s.metrics.AssignmentDegraded()
		s.logger.Warn("no available reviewer, assigned default",
			zap.String("task_id", taskID),
			zap.String("application_id", task.ApplicationID),
			zap.String("reviewer_id", result.ReviewerID),
		)
	}
	return result, nil
}

// Reassign moves a non-terminal task to another reviewer. Status is kept.
func (s *Service) Reassign(ctx context.Context, taskID, reviewerID string, actor audit.Actor) (Task, error) {
	reviewerID = strings.TrimSpace(reviewerID)
	if taskID == "" {
		return Task{}, apperr.Validation("taskId", "is required")
	}
	if reviewerID == "" {
		return Task{}, apperr.Validation("reviewerId", "is required")
	}
	if actor.Type == "" {
		actor = audit.System
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, apperr.Persistence("reassign task", err)
	}
	defer tx.Rollback(ctx)

	task, err := s.repo.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return Task{}, apperr.Persistence("reassign task", err)
	}
	if transition.IsTerminal(transition.EntityTask, string(task.Status)) {
		return Task{}, &apperr.IllegalTransitionError{Entity: string(transition.EntityTask), From: string(task.Status), To: string(task.Status)}
	}

	previous := task.Assignee()
	if err := s.repo.SetAssignee(ctx, tx, taskID, reviewerID); err != nil {
		return Task{}, apperr.Persistence("reassign task", err)
	}
	comment := "reassigned to " + reviewerID
	if previous != "" {
		comment = "reassigned from " + previous + " to " + reviewerID
	}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: task.ApplicationID,
		TaskID:        taskID,
		Action:        audit.ActionAssigned,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Comment:       comment,
	}); err != nil {
		return Task{}, apperr.Persistence("reassign task", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, apperr.Persistence("reassign task", err)
	}

	task.AssignedTo = &reviewerID
	return task, nil
}

// BatchAssign assigns each item independently and reports per-item results.
// One failure does not stop the rest.
func (s *Service) BatchAssign(ctx context.Context, items []Assignment, actor audit.Actor) []BatchResult {
	out := make([]BatchResult, 0, len(items))
	for _, item := range items {
		res, err := s.AssignReviewer(ctx, item.TaskID, item.ReviewerID, actor)
		out = append(out, BatchResult{
			TaskID:     item.TaskID,
			ReviewerID: res.ReviewerID,
			Degraded:   res.Degraded(),
			Err:        err,
		})
	}
	return out
}

// Accept starts the review: the task goes to in_progress and its application
// to under_review. Only the assignee may accept.
func (s *Service) Accept(ctx context.Context, taskID, reviewerID string) (Task, error) {
	if taskID == "" {
		return Task{}, apperr.Validation("taskId", "is required")
	}
	if reviewerID == "" {
		return Task{}, apperr.Validation("reviewerId", "is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, apperr.Persistence("accept task", err)
	}
	defer tx.Rollback(ctx)

	task, err := s.repo.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return Task{}, apperr.Persistence("accept task", err)
	}
	if err := transition.Assert(transition.EntityTask, string(task.Status), string(StatusInProgress)); err != nil {
		return Task{}, err
	}
	if task.AssignedTo == nil {
		return Task{}, apperr.Validation("assignedTo", "task must be assigned before it is accepted")
	}
	if *task.AssignedTo != reviewerID {
		return Task{}, apperr.Validation("reviewerId", "is not the assignee of this task")
	}

	now := s.now().UTC()
	if err := s.repo.UpdateStatus(ctx, tx, StatusUpdate{TaskID: taskID, Status: StatusInProgress, AcceptedAt: &now}); err != nil {
		return Task{}, apperr.Persistence("accept task", err)
	}
	actor := audit.Actor{Type: audit.ActorReviewer, ID: reviewerID}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: task.ApplicationID,
		TaskID:        taskID,
		Action:        audit.ActionAssigned,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		FromStatus:    string(task.Status),
		ToStatus:      string(StatusInProgress),
		Comment:       "accepted by " + reviewerID,
	}); err != nil {
		return Task{}, apperr.Persistence("accept task", err)
	}
	if _, err := s.apps.UpdateStatusTx(ctx, tx, application.UpdateStatusParams{
		ApplicationID: task.ApplicationID,
		To:            application.StatusUnderReview,
		Actor:         actor,
		TaskID:        taskID,
	}); err != nil {
		return Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, apperr.Persistence("accept task", err)
	}

	task.Status = StatusInProgress
	task.AcceptedAt = &now
	return task, nil
}

// SubmitReview completes an in-progress task and moves its application to the
// decided status. A second call on the same task fails with an
// IllegalTransitionError because the task is already completed.
func (s *Service) SubmitReview(ctx context.Context, params SubmitReviewParams) (ReviewResult, error) {
	if params.TaskID == "" {
		return ReviewResult{}, apperr.Validation("taskId", "is required")
	}
	if !params.Decision.Valid() {
		return ReviewResult{}, apperr.Validation("decision", "must be approved, rejected or changes_requested")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ReviewResult{}, apperr.Persistence("submit review", err)
	}
	defer tx.Rollback(ctx)

	task, err := s.repo.GetForUpdate(ctx, tx, params.TaskID)
	if err != nil {
		return ReviewResult{}, apperr.Persistence("submit review", err)
	}
	if err := transition.Assert(transition.EntityTask, string(task.Status), string(StatusCompleted)); err != nil {
		return ReviewResult{}, err
	}
	reviewerID := params.ReviewerID
	if reviewerID == "" {
		reviewerID = task.Assignee()
	} else if reviewerID != task.Assignee() {
		return ReviewResult{}, apperr.Validation("reviewerId", "is not the assignee of this task")
	}
	actor := audit.Actor{Type: audit.ActorReviewer, ID: reviewerID}

	now := s.now().UTC()
	if err := s.repo.UpdateStatus(ctx, tx, StatusUpdate{
		TaskID:      task.ID,
		Status:      StatusCompleted,
		Decision:    params.Decision,
		Comment:     params.Comment,
		CompletedAt: &now,
	}); err != nil {
		return ReviewResult{}, apperr.Persistence("submit review", err)
	}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: task.ApplicationID,
		TaskID:        task.ID,
		Action:        audit.ActionReviewed,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		FromStatus:    string(task.Status),
		ToStatus:      string(StatusCompleted),
		Comment:       string(params.Decision),
	}); err != nil {
		return ReviewResult{}, apperr.Persistence("submit review", err)
	}

	app, err := s.apps.UpdateStatusTx(ctx, tx, application.UpdateStatusParams{
		ApplicationID: task.ApplicationID,
		To:            application.Status(params.Decision),
		Actor:         actor,
		Comment:       params.Comment,
		TaskID:        task.ID,
	})
	if err != nil {
		return ReviewResult{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"task_id":        task.ID,
			"application_id": task.ApplicationID,
			"decision":       params.Decision,
			"reviewer_id":    reviewerID,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicTaskCompleted, task.ID, payload); err != nil {
			return ReviewResult{}, apperr.Persistence("submit review", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ReviewResult{}, apperr.Persistence("submit review", err)
	}

	s.metrics.ReviewCompleted(string(params.Decision))
	s.logger.Info("review submitted",
		zap.String("task_id", task.ID),
		zap.String("application_id", task.ApplicationID),
		zap.String("decision", string(params.Decision)),
	)

	task.Status = StatusCompleted
	task.Decision = params.Decision
	task.Comment = params.Comment
	task.CompletedAt = &now
	return ReviewResult{Task: task, ApplicationStatus: string(app.Status)}, nil
}

// Cancel withdraws a pending task and rejects its application.
func (s *Service) Cancel(ctx context.Context, taskID string, actor audit.Actor, reason string) (Task, error) {
	if taskID == "" {
		return Task{}, apperr.Validation("taskId", "is required")
	}
	if actor.Type == "" {
		actor = audit.System
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, apperr.Persistence("cancel task", err)
	}
	defer tx.Rollback(ctx)

	task, err := s.repo.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return Task{}, apperr.Persistence("cancel task", err)
	}
	if err := transition.Assert(transition.EntityTask, string(task.Status), string(StatusCancelled)); err != nil {
		return Task{}, err
	}
	if err := s.repo.UpdateStatus(ctx, tx, StatusUpdate{TaskID: taskID, Status: StatusCancelled, Comment: reason}); err != nil {
		return Task{}, apperr.Persistence("cancel task", err)
	}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: task.ApplicationID,
		TaskID:        taskID,
		Action:        audit.ActionCancelled,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		FromStatus:    string(task.Status),
		ToStatus:      string(StatusCancelled),
		Comment:       reason,
	}); err != nil {
		return Task{}, apperr.Persistence("cancel task", err)
	}
	if _, err := s.apps.UpdateStatusTx(ctx, tx, application.UpdateStatusParams{
		ApplicationID: task.ApplicationID,
		To:            application.StatusRejected,
		Actor:         actor,
		Comment:       reason,
		TaskID:        taskID,
	}); err != nil {
		return Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, apperr.Persistence("cancel task", err)
	}
	task.Status = StatusCancelled
	task.Comment = reason
	return task, nil
}

func (s *Service) Get(ctx context.Context, taskID string) (Task, error) {
	if taskID == "" {
		return Task{}, apperr.Validation("taskId", "is required")
	}
	return s.repo.Get(ctx, taskID)
}

func (s *Service) ListForReviewer(ctx context.Context, reviewerID string, status Status) ([]Task, error) {
	if reviewerID == "" {
		return nil, apperr.Validation("reviewerId", "is required")
	}
	return s.repo.ListForReviewer(ctx, reviewerID, status)
}

func (s *Service) ListForApplication(ctx context.Context, applicationID string) ([]Task, error) {
	return s.repo.ListForApplication(ctx, applicationID)
}

// Overdue lists pending tasks created more than age ago. It is a dashboard
// signal only; nothing is timed out.
func (s *Service) Overdue(ctx context.Context, age time.Duration) ([]Task, error) {
	if age <= 0 {
		return nil, fmt.Errorf("review: overdue age must be positive")
	}
	return s.repo.ListPendingBefore(ctx, s.now().Add(-age))
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error {
	if s.history == nil {
		return nil
	}
	entry.Subject = audit.SubjectTask
	return s.history.Record(ctx, tx, entry)
}
