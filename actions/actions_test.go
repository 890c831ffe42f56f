package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/review"
	"github.com/c66w/business-cooperation-sub000/workflow"
)

type fakeReviews struct {
	calls      []string
	lastActor  audit.Actor
	lastParams review.SubmitReviewParams
	lastAccept string
	overdueAge time.Duration
	err        error
}

func (f *fakeReviews) AssignReviewer(_ context.Context, taskID, preferred string, actor audit.Actor) (review.AssignResult, error) {
	f.calls = append(f.calls, "assign")
	f.lastActor = actor
	return review.AssignResult{TaskID: taskID, ReviewerID: preferred}, f.err
}

func (f *fakeReviews) Reassign(_ context.Context, taskID, reviewerID string, actor audit.Actor) (review.Task, error) {
	f.calls = append(f.calls, "reassign")
	return review.Task{ID: taskID, AssignedTo: &reviewerID}, f.err
}

func (f *fakeReviews) BatchAssign(_ context.Context, items []review.Assignment, _ audit.Actor) []review.BatchResult {
	f.calls = append(f.calls, "batch")
	out := make([]review.BatchResult, 0, len(items))
	for _, it := range items {
		r := review.BatchResult{TaskID: it.TaskID, ReviewerID: it.ReviewerID}
		if it.TaskID == "bad" {
			r.Err = &apperr.IllegalTransitionError{Entity: "task", From: "completed", To: "completed"}
		}
		out = append(out, r)
	}
	return out
}

func (f *fakeReviews) Accept(_ context.Context, taskID, reviewerID string) (review.Task, error) {
	f.calls = append(f.calls, "accept")
	f.lastAccept = reviewerID
	return review.Task{ID: taskID, Status: review.StatusInProgress}, f.err
}

func (f *fakeReviews) SubmitReview(_ context.Context, params review.SubmitReviewParams) (review.ReviewResult, error) {
	f.calls = append(f.calls, "review")
	f.lastParams = params
	if f.err != nil {
		return review.ReviewResult{}, f.err
	}
	return review.ReviewResult{
		Task:              review.Task{ID: params.TaskID, ApplicationID: "APP1", Status: review.StatusCompleted, Decision: params.Decision},
		ApplicationStatus: string(params.Decision),
	}, nil
}

func (f *fakeReviews) Cancel(_ context.Context, taskID string, _ audit.Actor, reason string) (review.Task, error) {
	f.calls = append(f.calls, "cancel")
	return review.Task{ID: taskID, ApplicationID: "APP1", Status: review.StatusCancelled, Comment: reason}, f.err
}

func (f *fakeReviews) Overdue(_ context.Context, age time.Duration) ([]review.Task, error) {
	f.overdueAge = age
	return []review.Task{{ID: "old"}}, nil
}

type fakeWorkflows struct {
	inst     workflow.Instance
	findErr  error
	resumed  []workflow.Step
	decision workflow.Decision
}

func (f *fakeWorkflows) Resume(_ context.Context, workflowID string, stepID workflow.Step, d workflow.Decision) (workflow.Instance, error) {
	f.resumed = append(f.resumed, stepID)
	f.decision = d
	out := f.inst
	out.Status = workflow.StatusCompleted
	return out, nil
}

func (f *fakeWorkflows) Retry(_ context.Context, workflowID string) (workflow.Instance, error) {
	return workflow.Instance{WorkflowID: workflowID, Status: workflow.StatusSuspended}, nil
}

func (f *fakeWorkflows) ForApplication(_ context.Context, applicationID string) (workflow.Instance, error) {
	if f.findErr != nil {
		return workflow.Instance{}, f.findErr
	}
	return f.inst, nil
}

var (
	admin    = audit.Actor{Type: audit.ActorAdmin, ID: "admin_7"}
	reviewer = audit.Actor{Type: audit.ActorReviewer, ID: "rev_1"}
	merchant = audit.Actor{Type: audit.ActorMerchant, ID: "merchant_1"}
)

func TestDecode(t *testing.T) {
	cmd, err := Decode([]byte(`{"action":"reassign_task","params":{"taskId":"t1","reviewerId":"rev_2"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	re, ok := cmd.(*ReassignTask)
	if !ok || re.TaskID != "t1" || re.ReviewerID != "rev_2" {
		t.Fatalf("unexpected command %#v", cmd)
	}

	cases := map[string]string{
		"unknown":  `{"action":"drop_tables"}`,
		"missing":  `{"params":{}}`,
		"not json": `nope`,
		"bad type": `{"action":"batch_assign","params":{"items":"x"}}`,
	}
	for name, body := range cases {
		if _, err := Decode([]byte(body)); !apperr.IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestExecute_Permissions(t *testing.T) {
	d := NewDispatcher(&fakeReviews{}, &fakeWorkflows{})
	ctx := context.Background()

	if _, err := d.Execute(ctx, ReassignTask{TaskID: "t1", ReviewerID: "r"}, reviewer); !errors.Is(err, ErrForbidden) {
		t.Errorf("reviewers cannot reassign, got %v", err)
	}
	if _, err := d.Execute(ctx, AcceptTask{TaskID: "t1"}, merchant); !errors.Is(err, ErrForbidden) {
		t.Errorf("merchants cannot accept, got %v", err)
	}
	if _, err := d.Execute(ctx, ResumeWorkflow{WorkflowID: "wf", StepID: workflow.StepReview}, merchant); !errors.Is(err, ErrForbidden) {
		t.Errorf("merchants only resume modification, got %v", err)
	}
	if _, err := d.Execute(ctx, ReassignTask{TaskID: "t1", ReviewerID: "r"}, audit.System); err != nil {
		t.Errorf("system may run anything, got %v", err)
	}
	if _, err := d.Execute(ctx, nil, admin); !apperr.IsValidation(err) {
		t.Errorf("nil command should be a validation error, got %v", err)
	}
}

func TestExecute_ReviewerActsAsThemself(t *testing.T) {
	reviews := &fakeReviews{}
	d := NewDispatcher(reviews, nil)
	ctx := context.Background()

	if _, err := d.Execute(ctx, AcceptTask{TaskID: "t1", ReviewerID: "someone_else"}, reviewer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if reviews.lastAccept != "rev_1" {
		t.Errorf("reviewer id must come from the caller, got %q", reviews.lastAccept)
	}
	if _, err := d.Execute(ctx, AcceptTask{TaskID: "t1", ReviewerID: "rev_9"}, admin); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if reviews.lastAccept != "rev_9" {
		t.Errorf("admins may name the reviewer, got %q", reviews.lastAccept)
	}
}

func TestSubmitReviewAdvancesWorkflow(t *testing.T) {
	reviews := &fakeReviews{}
	flows := &fakeWorkflows{inst: workflow.Instance{WorkflowID: "wf-1", Status: workflow.StatusSuspended, CurrentStep: workflow.StepManualReview}}
	d := NewDispatcher(reviews, flows)

	out, err := d.Execute(context.Background(), SubmitReview{TaskID: "t1", Decision: review.DecisionApproved, Comment: "ok"}, reviewer)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := out.(ReviewOutcome)
	if res.ApplicationStatus != "approved" || res.Workflow == nil || res.Workflow.Status != workflow.StatusCompleted {
		t.Fatalf("unexpected outcome %+v", res)
	}
	if len(flows.resumed) != 1 || flows.resumed[0] != workflow.StepManualReview || flows.decision.Decision != "" {
		t.Errorf("workflow should resume its review step with the task decision, got %v %+v", flows.resumed, flows.decision)
	}
	if reviews.lastParams.ReviewerID != "rev_1" {
		t.Errorf("unexpected reviewer %q", reviews.lastParams.ReviewerID)
	}
}

func TestSubmitReviewWithoutWorkflow(t *testing.T) {
	flows := &fakeWorkflows{findErr: apperr.NotFound("workflow", "APP1")}
	d := NewDispatcher(&fakeReviews{}, flows)

	out, err := d.Execute(context.Background(), SubmitReview{TaskID: "t1", Decision: review.DecisionRejected}, admin)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.(ReviewOutcome).Workflow != nil || len(flows.resumed) != 0 {
		t.Errorf("nothing to resume without a workflow")
	}
}

func TestSubmitReviewErrorSurfaces(t *testing.T) {
	reviews := &fakeReviews{err: &apperr.IllegalTransitionError{Entity: "task", From: "completed", To: "completed"}}
	d := NewDispatcher(reviews, &fakeWorkflows{})
	if _, err := d.Execute(context.Background(), SubmitReview{TaskID: "t1", Decision: review.DecisionApproved}, reviewer); !apperr.IsIllegalTransition(err) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestBatchAssignReportsPerItem(t *testing.T) {
	d := NewDispatcher(&fakeReviews{}, nil)
	out, err := d.Execute(context.Background(), BatchAssign{Items: []BatchItem{{TaskID: "t1"}, {TaskID: "bad"}}}, admin)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	items := out.([]BatchItemResult)
	if len(items) != 2 || items[0].Error != "" || items[1].Error == "" {
		t.Fatalf("unexpected results %+v", items)
	}

	if _, err := d.Execute(context.Background(), BatchAssign{}, admin); !apperr.IsValidation(err) {
		t.Errorf("empty batch should be rejected, got %v", err)
	}
}

func TestMerchantResumeForcesOwner(t *testing.T) {
	flows := &fakeWorkflows{}
	d := NewDispatcher(&fakeReviews{}, flows)
	sub := workflow.Submission{UserID: "someone_else", CompanyName: "Acme"}

	_, err := d.Execute(context.Background(), ResumeWorkflow{
		WorkflowID: "wf-1",
		StepID:     workflow.StepModification,
		Decision:   workflow.Decision{Submission: &sub},
	}, merchant)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if flows.decision.Submission.UserID != "merchant_1" {
		t.Errorf("submission owner must be the caller, got %q", flows.decision.Submission.UserID)
	}
	if sub.UserID != "someone_else" {
		t.Errorf("caller's value must not be mutated")
	}
}

func TestOverdueTasks(t *testing.T) {
	reviews := &fakeReviews{}
	d := NewDispatcher(reviews, nil)
	if _, err := d.Execute(context.Background(), OverdueTasks{}, admin); err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if reviews.overdueAge != 48*time.Hour {
		t.Errorf("unexpected default age %v", reviews.overdueAge)
	}
	if _, err := d.Execute(context.Background(), OverdueTasks{OlderThan: "-1h"}, admin); !apperr.IsValidation(err) {
		t.Errorf("negative age should be rejected, got %v", err)
	}
}
