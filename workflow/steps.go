package workflow

import (
	"context"
	"fmt"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/review"
)

type stepDef struct {
	manual bool
	// enter runs an automatic step, or opens a manual one before suspending.
	enter  func(o *Orchestrator, ctx context.Context, inst *Instance) (string, error)
	resume func(o *Orchestrator, ctx context.Context, inst *Instance, d Decision) (string, error)
	// validate rejects a resume input before any state changes.
	validate func(o *Orchestrator, ctx context.Context, inst Instance, d Decision) error
	// next is nil for final steps.
	next func(inst Instance) Step
}

func (d stepDef) check(o *Orchestrator, ctx context.Context, inst Instance, dec Decision) error {
	if d.validate == nil {
		return nil
	}
	return d.validate(o, ctx, inst, dec)
}

// graph is the fixed pipeline:
//
//	data_collection -> data_save -> validation -> {review | manual_review}
//	review | manual_review -> {approval | rejection | modification}
//	modification -> data_collection
var graph = map[Step]stepDef{
	StepDataCollection: {
		enter: (*Orchestrator).collect,
		next:  func(Instance) Step { return StepDataSave },
	},
	StepDataSave: {
		enter: (*Orchestrator).persist,
		next:  func(Instance) Step { return StepValidation },
	},
	StepValidation: {
		enter: (*Orchestrator).validate,
		next:  routeByScore,
	},
	StepReview: {
		manual:   true,
		enter:    (*Orchestrator).openTask,
		resume:   (*Orchestrator).decide,
		validate: (*Orchestrator).validateDecision,
		next:     routeByDecision,
	},
	StepManualReview: {
		manual:   true,
		enter:    (*Orchestrator).openTask,
		resume:   (*Orchestrator).decide,
		validate: (*Orchestrator).validateDecision,
		next:     routeByDecision,
	},
	StepApproval: {
		enter: (*Orchestrator).finalize,
	},
	StepRejection: {
		enter: (*Orchestrator).finalize,
	},
	StepModification: {
		manual:   true,
		enter:    (*Orchestrator).awaitChanges,
		resume:   (*Orchestrator).acceptChanges,
		validate: (*Orchestrator).validateResubmission,
		next:     func(Instance) Step { return StepDataCollection },
	},
}

func routeByScore(inst Instance) Step {
	if inst.Data.Score != nil && *inst.Data.Score >= AutoReviewThreshold {
		return StepReview
	}
	return StepManualReview
}

func routeByDecision(inst Instance) Step {
	switch inst.Data.Decision {
	case review.DecisionApproved:
		return StepApproval
	case review.DecisionChangesRequested:
		return StepModification
	default:
		return StepRejection
	}
}

// validateDecision checks a reviewer's input against the open task. A task
// already decided or cancelled needs no input.
func (o *Orchestrator) validateDecision(ctx context.Context, inst Instance, d Decision) error {
	if d.Decision != "" && !d.Decision.Valid() {
		return apperr.Validation("decision", "must be approved, rejected or changes_requested")
	}
	task, err := o.reviews.Get(ctx, inst.Data.TaskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case review.StatusPending, review.StatusInProgress:
		if d.Decision == "" {
			return apperr.Validation("decision", "is required")
		}
		if d.ReviewerID != "" && d.ReviewerID != task.Assignee() {
			return apperr.Validation("reviewerId", "is not the assignee of this task")
		}
	case review.StatusCompleted:
		if d.Decision != "" && d.Decision != task.Decision {
			return apperr.Validation("decision", "task was already decided as "+string(task.Decision))
		}
	}
	return nil
}

// validateResubmission runs the submission rules and the owner check against
// the stored application, so a rejected resubmission never reaches data_save.
func (o *Orchestrator) validateResubmission(ctx context.Context, inst Instance, d Decision) error {
	if d.Submission == nil {
		return apperr.Validation("submission", "is required to resume modification")
	}
	app, err := o.apps.Get(ctx, inst.Data.ApplicationID)
	if err != nil {
		return err
	}
	sub := normalize(revised(inst, *d.Submission))
	if sub.UserID != app.UserID {
		return apperr.Validation("userId", "does not own the application")
	}
	if sub.MerchantType != "" && sub.MerchantType != app.MerchantType {
		return apperr.Validation("merchantType", "cannot change on resubmission")
	}
	params := submitParams(sub)
	params.MerchantType = app.MerchantType
	return o.apps.Validate(params)
}

// revised fills the identity fields a resubmission may leave out from the
// previous round.
func revised(inst Instance, sub Submission) Submission {
	if prev := inst.Data.Submission; prev != nil {
		if sub.UserID == "" {
			sub.UserID = prev.UserID
		}
		if sub.MerchantType == "" {
			sub.MerchantType = prev.MerchantType
		}
	}
	return sub
}

func submitParams(sub Submission) application.SubmitParams {
	return application.SubmitParams{
		UserID:       sub.UserID,
		CompanyName:  sub.CompanyName,
		MerchantType: sub.MerchantType,
		ContactName:  sub.ContactName,
		ContactPhone: sub.ContactPhone,
		Fields:       sub.Fields,
		Documents:    uploads(sub.Documents),
		Actor:        audit.Actor{Type: audit.ActorMerchant, ID: sub.UserID},
	}
}

// collect normalizes the merchant input.
func (o *Orchestrator) collect(_ context.Context, inst *Instance) (string, error) {
	if inst.Data.Submission == nil {
		return "", apperr.Validation("submission", "is required")
	}
	sub := normalize(*inst.Data.Submission)
	inst.Data.Submission = &sub
	return fmt.Sprintf("%d fields, %d documents", len(sub.Fields), len(sub.Documents)), nil
}

// persist creates the application, or resubmits it after a modification
// round. Document bytes are dropped from the instance once stored.
func (o *Orchestrator) persist(ctx context.Context, inst *Instance) (string, error) {
	sub := *inst.Data.Submission

	var (
		app application.Application
		err error
	)
	if inst.Data.ApplicationID == "" {
		app, err = o.apps.Create(ctx, submitParams(sub))
	} else {
		app, err = o.apps.Resubmit(ctx, application.ResubmitParams{
			ApplicationID: inst.Data.ApplicationID,
			UserID:        sub.UserID,
			CompanyName:   sub.CompanyName,
			ContactName:   sub.ContactName,
			ContactPhone:  sub.ContactPhone,
			Fields:        sub.Fields,
			Documents:     uploads(sub.Documents),
			Comment:       fmt.Sprintf("resubmitted in round %d", inst.Data.Rounds),
		})
	}
	if err != nil {
		return "", err
	}

	sub.Documents = nil
	inst.Data.Submission = &sub
	inst.Data.ApplicationID = app.ApplicationID
	inst.Data.Score = app.ValidationScore
	return "application " + app.ApplicationID + " " + string(app.Status), nil
}

// validate settles the score used for routing.
func (o *Orchestrator) validate(ctx context.Context, inst *Instance) (string, error) {
	if inst.Data.Score == nil {
		app, err := o.apps.Get(ctx, inst.Data.ApplicationID)
		if err != nil {
			return "", err
		}
		score := application.Score(app.MerchantType, app.Fields, len(app.Documents))
		inst.Data.Score = &score
	}
	return fmt.Sprintf("score %d", *inst.Data.Score), nil
}

// openTask creates the review task for the step's queue and assigns it.
func (o *Orchestrator) openTask(ctx context.Context, inst *Instance) (string, error) {
	taskType := review.TaskTypeReview
	if inst.CurrentStep == StepManualReview {
		taskType = review.TaskTypeManualReview
	}
	task, err := o.reviews.CreateTask(ctx, review.CreateTaskParams{
		ApplicationID: inst.Data.ApplicationID,
		TaskType:      taskType,
		Score:         inst.Data.Score,
		Actor:         audit.System,
	})
	if err != nil {
		return "", err
	}
	res, err := o.reviews.AssignReviewer(ctx, task.ID, "", audit.System)
	if err != nil {
		return "", err
	}

	inst.Data.TaskID = task.ID
	inst.Data.TaskType = taskType
	inst.Data.ReviewerID = res.ReviewerID
	inst.Data.AssignmentDegraded = res.Degraded()
	inst.Data.Decision = ""
	inst.Data.Comment = ""
	note := fmt.Sprintf("task %s assigned to %s", task.ID, res.ReviewerID)
	if res.Degraded() {
		note += " (default reviewer)"
	}
	return note, nil
}

// decide applies the reviewer's decision. A task already completed through
// the review endpoint supplies its own decision.
func (o *Orchestrator) decide(ctx context.Context, inst *Instance, d Decision) (string, error) {
	task, err := o.reviews.Get(ctx, inst.Data.TaskID)
	if err != nil {
		return "", err
	}

	switch task.Status {
	case review.StatusCompleted:
		if d.Decision != "" && d.Decision != task.Decision {
			return "", apperr.Validation("decision", "task was already decided as "+string(task.Decision))
		}
		inst.Data.Decision = task.Decision
		inst.Data.Comment = task.Comment
		inst.Data.ReviewerID = task.Assignee()
		return "decision " + string(task.Decision) + " taken from task", nil

	case review.StatusCancelled:
		inst.Data.Decision = review.DecisionRejected
		inst.Data.Comment = task.Comment
		return "task cancelled", nil

	case review.StatusPending, review.StatusInProgress:
		if d.Decision == "" {
			return "", apperr.Validation("decision", "is required")
		}
		reviewerID := d.ReviewerID
		if reviewerID == "" {
			reviewerID = task.Assignee()
		}
		if task.Status == review.StatusPending {
			if _, err := o.reviews.Accept(ctx, task.ID, reviewerID); err != nil {
				return "", err
			}
		}
		res, err := o.reviews.SubmitReview(ctx, review.SubmitReviewParams{
			TaskID:     task.ID,
			ReviewerID: reviewerID,
			Decision:   d.Decision,
			Comment:    d.Comment,
		})
		if err != nil {
			return "", err
		}
		inst.Data.Decision = d.Decision
		inst.Data.Comment = d.Comment
		inst.Data.ReviewerID = reviewerID
		return "decision " + string(d.Decision) + ", application " + res.ApplicationStatus, nil

	default:
		return "", &apperr.IllegalTransitionError{Entity: "task", From: string(task.Status), To: string(review.StatusCompleted)}
	}
}

// finalize checks that the application reached the status the route implies.
func (o *Orchestrator) finalize(ctx context.Context, inst *Instance) (string, error) {
	want := application.StatusApproved
	if inst.CurrentStep == StepRejection {
		want = application.StatusRejected
	}
	app, err := o.apps.Get(ctx, inst.Data.ApplicationID)
	if err != nil {
		return "", err
	}
	if app.Status != want {
		return "", fmt.Errorf("application %s is %s, expected %s", app.ApplicationID, app.Status, want)
	}
	inst.Data.FinalStatus = string(app.Status)
	return "application " + string(app.Status), nil
}

func (o *Orchestrator) awaitChanges(_ context.Context, inst *Instance) (string, error) {
	return "waiting for merchant changes", nil
}

// acceptChanges takes the merchant's revised submission and loops back to
// data_collection.
func (o *Orchestrator) acceptChanges(_ context.Context, inst *Instance, d Decision) (string, error) {
	sub := revised(*inst, *d.Submission)
	inst.Data.Submission = &sub
	inst.Data.Rounds++
	inst.Data.TaskID = ""
	inst.Data.Decision = ""
	inst.Data.Score = nil
	return fmt.Sprintf("changes received, round %d", inst.Data.Rounds), nil
}
