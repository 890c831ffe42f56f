// Package actions implements the system operations exposed to operators and
// reviewers. Each operation is its own Command type; the Dispatcher executes
// them and Decode builds them from the wire envelope.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/review"
	"github.com/c66w/business-cooperation-sub000/workflow"
)

type Kind string

const (
	KindAssignTask     Kind = "assign_task"
	KindReassignTask   Kind = "reassign_task"
	KindBatchAssign    Kind = "batch_assign"
	KindAcceptTask     Kind = "accept_task"
	KindSubmitReview   Kind = "submit_review"
	KindCancelTask     Kind = "cancel_task"
	KindResumeWorkflow Kind = "resume_workflow"
	KindRetryWorkflow  Kind = "retry_workflow"
	KindOverdueTasks   Kind = "overdue_tasks"
)

// Command is one system operation. The unexported methods keep the set of
// variants closed to this package.
type Command interface {
	Kind() Kind
	permits(actor audit.ActorType) bool
	execute(ctx context.Context, d *Dispatcher, actor audit.Actor) (any, error)
}

// ErrForbidden is returned when the actor may not run a command.
var ErrForbidden = errors.New("actions: forbidden")

// Reviews is the task surface commands drive.
type Reviews interface {
	AssignReviewer(ctx context.Context, taskID, preferred string, actor audit.Actor) (review.AssignResult, error)
	Reassign(ctx context.Context, taskID, reviewerID string, actor audit.Actor) (review.Task, error)
	BatchAssign(ctx context.Context, items []review.Assignment, actor audit.Actor) []review.BatchResult
	Accept(ctx context.Context, taskID, reviewerID string) (review.Task, error)
	SubmitReview(ctx context.Context, params review.SubmitReviewParams) (review.ReviewResult, error)
	Cancel(ctx context.Context, taskID string, actor audit.Actor, reason string) (review.Task, error)
	Overdue(ctx context.Context, age time.Duration) ([]review.Task, error)
}

// Workflows is the orchestrator surface commands drive.
type Workflows interface {
	Resume(ctx context.Context, workflowID string, stepID workflow.Step, decision workflow.Decision) (workflow.Instance, error)
	Retry(ctx context.Context, workflowID string) (workflow.Instance, error)
	ForApplication(ctx context.Context, applicationID string) (workflow.Instance, error)
}

type Dispatcher struct {
	reviews   Reviews
	workflows Workflows
	logger    *zap.Logger
}

func NewDispatcher(reviews Reviews, workflows Workflows) *Dispatcher {
	return &Dispatcher{reviews: reviews, workflows: workflows, logger: zap.NewNop()}
}

func (d *Dispatcher) WithLogger(logger *zap.Logger) *Dispatcher {
	if logger != nil {
		d.logger = logger
	}
	return d
}

// Execute runs cmd on behalf of actor.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command, actor audit.Actor) (any, error) {
	if cmd == nil {
		return nil, apperr.Validation("action", "is required")
	}
	if actor.Type != audit.ActorSystem && !cmd.permits(actor.Type) {
		return nil, ErrForbidden
	}
	out, err := cmd.execute(ctx, d, actor)
	if err != nil {
		d.logger.Debug("action failed",
			zap.String("action", string(cmd.Kind())),
			zap.String("actor_id", actor.ID),
			zap.Error(err),
		)
		return nil, err
	}
	d.logger.Info("action executed",
		zap.String("action", string(cmd.Kind())),
		zap.String("actor_type", string(actor.Type)),
		zap.String("actor_id", actor.ID),
	)
	return out, nil
}

// advance resumes the workflow parked on the application's review step once
// its task has been settled elsewhere. A missing or already moved workflow is
// not an error; the task change has committed either way.
func (d *Dispatcher) advance(ctx context.Context, applicationID string) *workflow.Instance {
	if d.workflows == nil || applicationID == "" {
		return nil
	}
	inst, err := d.workflows.ForApplication(ctx, applicationID)
	if err != nil {
		if !apperr.IsNotFound(err) {
			d.logger.Warn("workflow lookup failed", zap.String("application_id", applicationID), zap.Error(err))
		}
		return nil
	}
	if inst.Status != workflow.StatusSuspended || (inst.CurrentStep != workflow.StepReview && inst.CurrentStep != workflow.StepManualReview) {
		return nil
	}
	next, err := d.workflows.Resume(ctx, inst.WorkflowID, inst.CurrentStep, workflow.Decision{})
	if err != nil {
		d.logger.Warn("workflow resume failed",
			zap.String("application_id", applicationID),
			zap.String("workflow_id", inst.WorkflowID),
			zap.Error(err),
		)
		return nil
	}
	return &next
}

func isAdmin(t audit.ActorType) bool { return t == audit.ActorAdmin }

func isReviewer(t audit.ActorType) bool { return t == audit.ActorReviewer || t == audit.ActorAdmin }

// AssignTask assigns a task, automatically when ReviewerID is empty.
type AssignTask struct {
	TaskID     string `json:"taskId"`
	ReviewerID string `json:"reviewerId,omitempty"`
}

func (AssignTask) Kind() Kind                     { return KindAssignTask }
func (AssignTask) permits(t audit.ActorType) bool { return isAdmin(t) }

func (c AssignTask) execute(ctx context.Context, d *Dispatcher, actor audit.Actor) (any, error) {
	return d.reviews.AssignReviewer(ctx, c.TaskID, c.ReviewerID, actor)
}

type ReassignTask struct {
	TaskID     string `json:"taskId"`
	ReviewerID string `json:"reviewerId"`
}

func (ReassignTask) Kind() Kind                     { return KindReassignTask }
func (ReassignTask) permits(t audit.ActorType) bool { return isAdmin(t) }

func (c ReassignTask) execute(ctx context.Context, d *Dispatcher, actor audit.Actor) (any, error) {
	return d.reviews.Reassign(ctx, c.TaskID, c.ReviewerID, actor)
}

type BatchItem struct {
	TaskID     string `json:"taskId"`
	ReviewerID string `json:"reviewerId,omitempty"`
}

type BatchAssign struct {
	Items []BatchItem `json:"items"`
}

// BatchItemResult is the wire form of review.BatchResult.
type BatchItemResult struct {
	TaskID     string `json:"taskId"`
	ReviewerID string `json:"reviewerId,omitempty"`
	Degraded   bool   `json:"degraded"`
	Error      string `json:"error,omitempty"`
}

func (BatchAssign) Kind() Kind                     { return KindBatchAssign }
func (BatchAssign) permits(t audit.ActorType) bool { return isAdmin(t) }

func (c BatchAssign) execute(ctx context.Context, d *Dispatcher, actor audit.Actor) (any, error) {
	if len(c.Items) == 0 {
		return nil, apperr.Validation("items", "must not be empty")
	}
	items := make([]review.Assignment, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, review.Assignment{TaskID: it.TaskID, ReviewerID: it.ReviewerID})
	}
	results := d.reviews.BatchAssign(ctx, items, actor)
	out := make([]BatchItemResult, 0, len(results))
	for _, r := range results {
		item := BatchItemResult{TaskID: r.TaskID, ReviewerID: r.ReviewerID, Degraded: r.Degraded}
		if r.Err != nil {
			item.Error = r.Err.Error()
		}
		out = append(out, item)
	}
	return out, nil
}

// AcceptTask starts a review. Reviewers accept for themselves; admins may name
// the reviewer.
type AcceptTask struct {
	TaskID     string `json:"taskId"`
	ReviewerID string `json:"reviewerId,omitempty"`
}

func (AcceptTask) Kind() Kind                     { return KindAcceptTask }
func (AcceptTask) permits(t audit.ActorType) bool { return isReviewer(t) }

func (c AcceptTask) execute(ctx context.Context, d *Dispatcher, actor audit.Actor) (any, error) {
	return d.reviews.Accept(ctx, c.TaskID, reviewerFor(actor, c.ReviewerID))
}

// SubmitReview records a decision and moves the application's workflow on.
type SubmitReview struct {
	TaskID     string          `json:"taskId"`
	ReviewerID string          `json:"reviewerId,omitempty"`
	Decision   review.Decision `json:"decision"`
	Comment    string          `json:"comment,omitempty"`
}

// ReviewOutcome is returned by SubmitReview and CancelTask.
type ReviewOutcome struct {
	Task              review.Task        `json:"task"`
	ApplicationStatus string             `json:"applicationStatus,omitempty"`
	Workflow          *workflow.Instance `json:"workflow,omitempty"`
}

func (SubmitReview) Kind() Kind                     { return KindSubmitReview }
func (SubmitReview) permits(t audit.ActorType) bool { return isReviewer(t) }

func (c SubmitReview) execute(ctx context.Context, d *Dispatcher, actor audit.Actor) (any, error) {
	res, err := d.reviews.SubmitReview(ctx, review.SubmitReviewParams{
		TaskID:     c.TaskID,
		ReviewerID: reviewerFor(actor, c.ReviewerID),
		Decision:   c.Decision,
		Comment:    c.Comment,
	})
	if err != nil {
		return nil, err
	}
	return ReviewOutcome{
		Task:              res.Task,
		ApplicationStatus: res.ApplicationStatus,
		Workflow:          d.advance(ctx, res.Task.ApplicationID),
	}, nil
}

type CancelTask struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

func (CancelTask) Kind() Kind                     { return KindCancelTask }
func (CancelTask) permits(t audit.ActorType) bool { return isAdmin(t) }

func (c CancelTask) execute(ctx context.Context, d *Dispatcher, actor audit.Actor) (any, error) {
	task, err := d.reviews.Cancel(ctx, c.TaskID, actor, c.Reason)
	if err != nil {
		return nil, err
	}
	return ReviewOutcome{Task: task, Workflow: d.advance(ctx, task.ApplicationID)}, nil
}

type ResumeWorkflow struct {
	WorkflowID string            `json:"workflowId"`
	StepID     workflow.Step     `json:"stepId"`
	Decision   workflow.Decision `json:"decision"`
}

func (ResumeWorkflow) Kind() Kind { return KindResumeWorkflow }

// Merchants resume their own modification step; the orchestrator checks the
// submission against the application owner.
func (ResumeWorkflow) permits(audit.ActorType) bool { return true }

func (c ResumeWorkflow) execute(ctx context.Context, d *Dispatcher, actor audit.Actor) (any, error) {
	if d.workflows == nil {
		return nil, errors.New("actions: workflows not configured")
	}
	dec := c.Decision
	switch actor.Type {
	case audit.ActorMerchant:
		if c.StepID != workflow.StepModification {
			return nil, ErrForbidden
		}
		if dec.Submission != nil {
			sub := *dec.Submission
			sub.UserID = actor.ID
			dec.Submission = &sub
		}
	case audit.ActorReviewer:
		dec.ReviewerID = actor.ID
	}
	return d.workflows.Resume(ctx, c.WorkflowID, c.StepID, dec)
}

type RetryWorkflow struct {
	WorkflowID string `json:"workflowId"`
}

func (RetryWorkflow) Kind() Kind                     { return KindRetryWorkflow }
func (RetryWorkflow) permits(t audit.ActorType) bool { return isAdmin(t) }

func (c RetryWorkflow) execute(ctx context.Context, d *Dispatcher, _ audit.Actor) (any, error) {
	if d.workflows == nil {
		return nil, errors.New("actions: workflows not configured")
	}
	return d.workflows.Retry(ctx, c.WorkflowID)
}

// OverdueTasks lists pending tasks older than OlderThan, a Go duration string.
type OverdueTasks struct {
	OlderThan string `json:"olderThan"`
}

func (OverdueTasks) Kind() Kind                     { return KindOverdueTasks }
func (OverdueTasks) permits(t audit.ActorType) bool { return isAdmin(t) }

func (c OverdueTasks) execute(ctx context.Context, d *Dispatcher, _ audit.Actor) (any, error) {
	age := 48 * time.Hour
	if c.OlderThan != "" {
		parsed, err := time.ParseDuration(c.OlderThan)
		if err != nil || parsed <= 0 {
			return nil, apperr.Validation("olderThan", "must be a positive duration such as 48h")
		}
		age = parsed
	}
	return d.reviews.Overdue(ctx, age)
}

func reviewerFor(actor audit.Actor, requested string) string {
	if actor.Type == audit.ActorReviewer {
		return actor.ID
	}
	return strings.TrimSpace(requested)
}

type envelope struct {
	Action Kind            `json:"action"`
	Params json.RawMessage `json:"params"`
}

// Decode reads {"action": "...", "params": {...}} into its Command.
func Decode(raw []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperr.Validation("body", "must be a JSON object")
	}

	var cmd Command
	switch env.Action {
	case KindAssignTask:
		cmd = &AssignTask{}
	case KindReassignTask:
		cmd = &ReassignTask{}
	case KindBatchAssign:
		cmd = &BatchAssign{}
	case KindAcceptTask:
		cmd = &AcceptTask{}
	case KindSubmitReview:
		cmd = &SubmitReview{}
	case KindCancelTask:
		cmd = &CancelTask{}
	case KindResumeWorkflow:
		cmd = &ResumeWorkflow{}
	case KindRetryWorkflow:
		cmd = &RetryWorkflow{}
	case KindOverdueTasks:
		cmd = &OverdueTasks{}
	case "":
		return nil, apperr.Validation("action", "is required")
	default:
		return nil, apperr.Validation("action", "unknown action "+string(env.Action))
	}
	if len(env.Params) > 0 && string(env.Params) != "null" {
		if err := json.Unmarshal(env.Params, cmd); err != nil {
			return nil, apperr.Validation("params", "do not match action "+string(env.Action))
		}
	}
	return cmd, nil
}
