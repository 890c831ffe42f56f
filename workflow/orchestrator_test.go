package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/review"
)

type fixture struct {
	store   *MemoryStore
	apps    *fakeApps
	reviews *fakeReviews
	events  *recorder
	orch    *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{store: NewMemoryStore(), apps: newFakeApps(), events: &recorder{}}
	f.reviews = newFakeReviews(f.apps)
	seq := 0
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.orch = NewOrchestrator(f.store, f.apps, f.reviews).
		WithObservers(f.events).
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("wf-%d", seq) }).
		WithClock(func() time.Time { clock = clock.Add(time.Second); return clock })
	return f
}

func factorySubmission() Submission {
	return Submission{
		UserID:       "merchant_1",
		CompanyName:  "  Acme Manufacturing ",
		MerchantType: "Factory",
		ContactName:  "Li Wei",
		ContactPhone: "+86 138-0000-0000",
		Fields: map[string]string{
			"factory_address":     "1 Harbour Rd",
			"production_capacity": "5000/month",
		},
	}
}

func steps(inst Instance) []Step {
	out := make([]Step, 0, len(inst.History))
	for _, rec := range inst.History {
		out = append(out, rec.Step)
	}
	return out
}

func TestStart_SuspendsAtManualReview(t *testing.T) {
	f := newFixture()
	inst, err := f.orch.Start(context.Background(), StartParams{Submission: factorySubmission()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if inst.Status != StatusSuspended || inst.CurrentStep != StepManualReview {
		t.Fatalf("expected suspended at manual_review, got %s at %s", inst.Status, inst.CurrentStep)
	}
	want := []Step{StepDataCollection, StepDataSave, StepValidation, StepManualReview}
	if got := steps(inst); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected history %v", got)
	}
	if inst.History[3].Status != RecordSuspended {
		t.Errorf("manual step should be recorded as suspended, got %s", inst.History[3].Status)
	}
	if inst.ApplicationID == "" || inst.Data.TaskID == "" {
		t.Fatalf("expected application and task ids, got %+v", inst.Data)
	}
	if inst.Data.ReviewerID != review.DefaultReviewer || !inst.Data.AssignmentDegraded {
		t.Errorf("empty pool should fall back to the default reviewer, got %q", inst.Data.ReviewerID)
	}
	if inst.Data.Submission.CompanyName != "Acme Manufacturing" || inst.Data.Submission.MerchantType != application.MerchantFactory {
		t.Errorf("submission not normalized: %+v", inst.Data.Submission)
	}

	stored, err := f.store.Get(context.Background(), inst.WorkflowID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusSuspended || len(stored.History) != 4 {
		t.Errorf("stored instance out of date: %s, %d records", stored.Status, len(stored.History))
	}

	wantEvents := []EventType{EventStarted, EventStepCompleted, EventStepCompleted, EventStepCompleted, EventStepCompleted, EventSuspended}
	if got := f.events.types(); !reflect.DeepEqual(got, wantEvents) {
		t.Errorf("unexpected events %v", got)
	}
}

func TestStart_HighScoreRoutesToReview(t *testing.T) {
	f := newFixture()
	f.reviews.reviewer = "rev_1"
	sub := factorySubmission()
	sub.Fields["certifications"] = "ISO9001"
	sub.Documents = []Document{
		{DocumentType: "license", FileName: "license.pdf", Content: []byte("a")},
		{DocumentType: "permit", FileName: "permit.pdf", Content: []byte("b")},
	}

	inst, err := f.orch.Start(context.Background(), StartParams{Submission: sub})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.CurrentStep != StepReview || inst.Data.TaskType != review.TaskTypeReview {
		t.Fatalf("score %v should route to review, got %s", *inst.Data.Score, inst.CurrentStep)
	}
	if *inst.Data.Score < AutoReviewThreshold {
		t.Fatalf("unexpected score %d", *inst.Data.Score)
	}
	if len(inst.Data.Submission.Documents) != 0 {
		t.Errorf("document bytes should not be kept on the instance")
	}
	task, _ := f.reviews.Get(context.Background(), inst.Data.TaskID)
	if task.Priority != review.PriorityLow || task.Assignee() != "rev_1" {
		t.Errorf("unexpected task %+v", task)
	}
}

func TestResume_ApprovesAndCompletes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inst, err := f.orch.Start(ctx, StartParams{Submission: factorySubmission()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	done, err := f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: review.DecisionApproved, Comment: "ok"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if done.Status != StatusCompleted || done.CurrentStep != StepApproval {
		t.Fatalf("expected completed at approval, got %s at %s", done.Status, done.CurrentStep)
	}
	if done.Data.FinalStatus != string(application.StatusApproved) {
		t.Errorf("unexpected final status %q", done.Data.FinalStatus)
	}
	if got := f.apps.status(done.ApplicationID); got != application.StatusApproved {
		t.Errorf("application should be approved, got %s", got)
	}
	last := done.History[len(done.History)-2:]
	if last[0].Step != StepManualReview || last[0].Status != RecordResumed || last[1].Step != StepApproval {
		t.Errorf("unexpected tail of history %+v", last)
	}

	if _, err := f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: review.DecisionApproved}); !errors.Is(err, ErrInvalidStepTransition) {
		t.Fatalf("resuming a completed workflow should fail, got %v", err)
	}
}

func TestResume_RejectsWrongStep(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inst, err := f.orch.Start(ctx, StartParams{Submission: factorySubmission()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = f.orch.Resume(ctx, inst.WorkflowID, StepReview, Decision{Decision: review.DecisionApproved})
	if !errors.Is(err, ErrInvalidStepTransition) {
		t.Fatalf("expected ErrInvalidStepTransition, got %v", err)
	}
	stored, _ := f.store.Get(ctx, inst.WorkflowID)
	if stored.Status != StatusSuspended || len(stored.History) != len(inst.History) {
		t.Errorf("rejected resume must not change the instance")
	}

	if _, err := f.orch.Resume(ctx, "missing", StepReview, Decision{}); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: "maybe"}); !apperr.IsValidation(err) {
		t.Errorf("expected validation error for unknown decision, got %v", err)
	}
}

func TestResume_UsesDecisionAlreadyOnTask(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inst, err := f.orch.Start(ctx, StartParams{Submission: factorySubmission()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.reviews.Accept(ctx, inst.Data.TaskID, review.DefaultReviewer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.reviews.SubmitReview(ctx, review.SubmitReviewParams{TaskID: inst.Data.TaskID, Decision: review.DecisionRejected, Comment: "incomplete"}); err != nil {
		t.Fatalf("submit review: %v", err)
	}

	done, err := f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if done.CurrentStep != StepRejection || done.Status != StatusCompleted {
		t.Fatalf("expected completed at rejection, got %s at %s", done.Status, done.CurrentStep)
	}
	if done.Data.Comment != "incomplete" {
		t.Errorf("comment should come from the task, got %q", done.Data.Comment)
	}
}

func TestModificationLoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inst, err := f.orch.Start(ctx, StartParams{Submission: factorySubmission()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	firstTask := inst.Data.TaskID

	inst, err = f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: review.DecisionChangesRequested, Comment: "add certifications"})
	if err != nil {
		t.Fatalf("resume review: %v", err)
	}
	if inst.Status != StatusSuspended || inst.CurrentStep != StepModification {
		t.Fatalf("expected suspended at modification, got %s at %s", inst.Status, inst.CurrentStep)
	}
	if got := f.apps.status(inst.ApplicationID); got != application.StatusChangesRequested {
		t.Fatalf("application should wait for changes, got %s", got)
	}

	if _, err := f.orch.Resume(ctx, inst.WorkflowID, StepModification, Decision{}); !apperr.IsValidation(err) {
		t.Fatalf("modification without a submission should be rejected, got %v", err)
	}

	revised := factorySubmission()
	revised.MerchantType = ""
	revised.Fields["certifications"] = "ISO9001"
	inst, err = f.orch.Resume(ctx, inst.WorkflowID, StepModification, Decision{Submission: &revised})
	if err != nil {
		t.Fatalf("resume modification: %v", err)
	}
	if inst.Status != StatusSuspended || inst.CurrentStep != StepManualReview {
		t.Fatalf("expected a new manual review, got %s at %s", inst.Status, inst.CurrentStep)
	}
	if inst.Data.TaskID == firstTask || inst.Data.Rounds != 1 {
		t.Errorf("expected a fresh task in round 1, got %s round %d", inst.Data.TaskID, inst.Data.Rounds)
	}
	if f.apps.creates != 1 || f.apps.resubmits != 1 {
		t.Errorf("expected one create and one resubmit, got %d/%d", f.apps.creates, f.apps.resubmits)
	}
	if got := f.apps.status(inst.ApplicationID); got != application.StatusSubmitted {
		t.Errorf("application should be resubmitted, got %s", got)
	}
	if *inst.Data.Score != 70 {
		t.Errorf("score should be recomputed, got %d", *inst.Data.Score)
	}
}

func TestStepFailureMovesToError(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.apps.createErr = apperr.Persistence("create application", errors.New("connection reset"))

	inst, err := f.orch.Start(ctx, StartParams{Submission: factorySubmission()})
	if !apperr.IsPersistence(err) {
		t.Fatalf("expected persistence error to surface, got %v", err)
	}
	if inst.Status != StatusError || inst.CurrentStep != StepDataSave || inst.LastError == "" {
		t.Fatalf("unexpected instance %s at %s (%q)", inst.Status, inst.CurrentStep, inst.LastError)
	}
	last := inst.History[len(inst.History)-1]
	if last.Step != StepDataSave || last.Status != RecordFailed {
		t.Errorf("failure should be recorded, got %+v", last)
	}
	stored, _ := f.store.Get(ctx, inst.WorkflowID)
	if stored.Status != StatusError {
		t.Errorf("error status should be persisted, got %s", stored.Status)
	}
	if got := f.events.types(); got[len(got)-1] != EventStepFailed {
		t.Errorf("expected a step_failed event last, got %v", got)
	}

	if _, err := f.orch.Resume(ctx, inst.WorkflowID, StepDataSave, Decision{}); !errors.Is(err, ErrInvalidStepTransition) {
		t.Errorf("error instances cannot be resumed, got %v", err)
	}

	f.apps.createErr = nil
	inst, err = f.orch.Retry(ctx, inst.WorkflowID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if inst.Status != StatusSuspended || inst.CurrentStep != StepManualReview || inst.LastError != "" {
		t.Errorf("retry should continue the pipeline, got %s at %s", inst.Status, inst.CurrentStep)
	}
}

func TestRetryAfterFailedResumeParksAgain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inst, err := f.orch.Start(ctx, StartParams{Submission: factorySubmission()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.reviews.submitErr = apperr.Persistence("submit review", errors.New("connection reset"))
	_, err = f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: review.DecisionApproved})
	if !apperr.IsPersistence(err) {
		t.Fatalf("expected persistence error from submit, got %v", err)
	}
	failed, _ := f.store.Get(ctx, inst.WorkflowID)
	if failed.Status != StatusError || failed.CurrentStep != StepManualReview {
		t.Fatalf("expected error at manual_review, got %s at %s", failed.Status, failed.CurrentStep)
	}

	f.reviews.submitErr = nil
	parkedInst, err := f.orch.Retry(ctx, inst.WorkflowID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if parkedInst.Status != StatusSuspended || parkedInst.Data.TaskID != inst.Data.TaskID {
		t.Fatalf("retry should park on the same task, got %s %s", parkedInst.Status, parkedInst.Data.TaskID)
	}
	if _, err := f.orch.Retry(ctx, inst.WorkflowID); !errors.Is(err, ErrInvalidStepTransition) {
		t.Errorf("retry is only for error instances, got %v", err)
	}

	done, err := f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: review.DecisionApproved})
	if err != nil {
		t.Fatalf("resume after retry: %v", err)
	}
	if done.Status != StatusCompleted || done.CurrentStep != StepApproval {
		t.Errorf("expected completed at approval, got %s at %s", done.Status, done.CurrentStep)
	}
}

func TestResume_NonAssigneeStaysSuspended(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inst, err := f.orch.Start(ctx, StartParams{Submission: factorySubmission()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	got, err := f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: review.DecisionApproved, ReviewerID: "someone_else"})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for a non-assignee, got %v", err)
	}
	if got.Status != StatusSuspended {
		t.Errorf("returned instance should stay suspended, got %s", got.Status)
	}
	stored, _ := f.store.Get(ctx, inst.WorkflowID)
	if stored.Status != StatusSuspended || stored.CurrentStep != StepManualReview || len(stored.History) != len(inst.History) {
		t.Fatalf("rejected reviewer must not change the instance, got %s at %s", stored.Status, stored.CurrentStep)
	}
	task, _ := f.reviews.Get(ctx, inst.Data.TaskID)
	if task.Status != review.StatusPending {
		t.Errorf("task should still be pending, got %s", task.Status)
	}

	if _, err := f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{}); !apperr.IsValidation(err) {
		t.Fatalf("an open task needs a decision, got %v", err)
	}

	done, err := f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: review.DecisionRejected, ReviewerID: review.DefaultReviewer})
	if err != nil {
		t.Fatalf("assignee resume: %v", err)
	}
	if done.Status != StatusCompleted || done.CurrentStep != StepRejection {
		t.Errorf("expected completed at rejection, got %s at %s", done.Status, done.CurrentStep)
	}
}

func TestResume_RejectedResubmissionStaysSuspended(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inst, err := f.orch.Start(ctx, StartParams{Submission: factorySubmission()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst, err = f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: review.DecisionChangesRequested})
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}

	incomplete := factorySubmission()
	delete(incomplete.Fields, "factory_address")
	foreign := factorySubmission()
	foreign.UserID = "merchant_2"
	retyped := factorySubmission()
	retyped.MerchantType = "brand"

	for name, sub := range map[string]Submission{
		"fields.factory_address": incomplete,
		"userId":                 foreign,
		"merchantType":           retyped,
	} {
		got, err := f.orch.Resume(ctx, inst.WorkflowID, StepModification, Decision{Submission: &sub})
		var verr *apperr.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
		if _, ok := verr.Fields[name]; !ok {
			t.Errorf("%s: expected the error to name the field, got %v", name, verr.Fields)
		}
		if got.Status != StatusSuspended || got.CurrentStep != StepModification {
			t.Errorf("%s: expected suspended at modification, got %s at %s", name, got.Status, got.CurrentStep)
		}
	}

	stored, _ := f.store.Get(ctx, inst.WorkflowID)
	if stored.Status != StatusSuspended || stored.CurrentStep != StepModification || stored.Data.Rounds != 0 {
		t.Fatalf("rejected resubmissions must not change the instance, got %s at %s round %d", stored.Status, stored.CurrentStep, stored.Data.Rounds)
	}
	if f.apps.resubmits != 0 {
		t.Errorf("nothing should reach the application store, got %d resubmits", f.apps.resubmits)
	}
	if got := f.apps.status(inst.ApplicationID); got != application.StatusChangesRequested {
		t.Errorf("application should still wait for changes, got %s", got)
	}

	fixed := factorySubmission()
	inst, err = f.orch.Resume(ctx, inst.WorkflowID, StepModification, Decision{Submission: &fixed})
	if err != nil {
		t.Fatalf("corrected resubmission: %v", err)
	}
	if inst.Status != StatusSuspended || inst.CurrentStep != StepManualReview || inst.Data.Rounds != 1 {
		t.Errorf("expected a new manual review in round 1, got %s at %s round %d", inst.Status, inst.CurrentStep, inst.Data.Rounds)
	}
}

func TestRetryReopensModificationAfterUnsavedResubmission(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inst, err := f.orch.Start(ctx, StartParams{Submission: factorySubmission()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst, err = f.orch.Resume(ctx, inst.WorkflowID, StepManualReview, Decision{Decision: review.DecisionChangesRequested})
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}

	f.apps.resubmitErr = apperr.Validation("fields.factory_address", "required for factory")
	revised := factorySubmission()
	failed, err := f.orch.Resume(ctx, inst.WorkflowID, StepModification, Decision{Submission: &revised})
	if err == nil {
		t.Fatal("expected the resubmission to fail at data_save")
	}
	if failed.Status != StatusError || failed.CurrentStep != StepDataSave {
		t.Fatalf("expected error at data_save, got %s at %s", failed.Status, failed.CurrentStep)
	}

	reopened, err := f.orch.Retry(ctx, inst.WorkflowID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if reopened.Status != StatusSuspended || reopened.CurrentStep != StepModification {
		t.Fatalf("retry should reopen modification, got %s at %s", reopened.Status, reopened.CurrentStep)
	}
	if reopened.Data.Rounds != 0 || reopened.LastError != "" {
		t.Errorf("the failed round should be discarded, got round %d error %q", reopened.Data.Rounds, reopened.LastError)
	}
	if got := f.events.types(); got[len(got)-1] != EventSuspended {
		t.Errorf("expected a suspended event last, got %v", got)
	}

	f.apps.resubmitErr = nil
	inst, err = f.orch.Resume(ctx, inst.WorkflowID, StepModification, Decision{Submission: &revised})
	if err != nil {
		t.Fatalf("resume after reopen: %v", err)
	}
	if inst.Status != StatusSuspended || inst.CurrentStep != StepManualReview || inst.Data.Rounds != 1 {
		t.Errorf("expected a new manual review in round 1, got %s at %s round %d", inst.Status, inst.CurrentStep, inst.Data.Rounds)
	}
	if got := f.apps.status(inst.ApplicationID); got != application.StatusSubmitted {
		t.Errorf("application should be resubmitted, got %s", got)
	}
}

func TestStart_InvalidSubmission(t *testing.T) {
	f := newFixture()
	sub := factorySubmission()
	delete(sub.Fields, "factory_address")

	inst, err := f.orch.Start(context.Background(), StartParams{Submission: sub})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if inst.WorkflowID != "" {
		t.Errorf("no instance should be returned, got %q", inst.WorkflowID)
	}
	if n := len(f.store.instances); n != 0 {
		t.Errorf("rejected submission must not be stored, found %d instances", n)
	}
	if f.apps.creates != 0 || len(f.events.types()) != 0 {
		t.Errorf("nothing should run, got %d creates and events %v", f.apps.creates, f.events.types())
	}
}

func TestMemoryStoreDetectsConflicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	inst, err := store.Create(ctx, Instance{WorkflowID: "wf-1", ApplicationID: "APP1", Status: StatusRunning})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Save(ctx, inst); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := store.Save(ctx, inst); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale save should conflict, got %v", err)
	}
	found, err := store.FindByApplication(ctx, "APP1")
	if err != nil || found.WorkflowID != "wf-1" || found.Version != 1 {
		t.Fatalf("find: %+v %v", found, err)
	}
	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
