package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/review"
	"github.com/c66w/business-cooperation-sub000/transition"
)

type fakeApps struct {
	mu          sync.Mutex
	validator   *application.Validator
	apps        map[string]application.Application
	seq         int
	createErr   error
	resubmitErr error
	creates     int
	resubmits   int
}

func newFakeApps() *fakeApps {
	return &fakeApps{validator: application.NewValidator(), apps: map[string]application.Application{}}
}

func (f *fakeApps) Create(_ context.Context, params application.SubmitParams) (application.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return application.Application{}, f.createErr
	}
	if err := f.validator.ValidateSubmission(params); err != nil {
		return application.Application{}, err
	}
	f.seq++
	f.creates++
	score := application.Score(params.MerchantType, params.Fields, len(params.Documents))
	app := application.Application{
		ApplicationID:   fmt.Sprintf("APP%d", f.seq),
		UserID:          params.UserID,
		CompanyName:     params.CompanyName,
		MerchantType:    params.MerchantType,
		Fields:          params.Fields,
		Status:          application.StatusSubmitted,
		ValidationScore: &score,
	}
	f.apps[app.ApplicationID] = app
	return app, nil
}

func (f *fakeApps) Validate(params application.SubmitParams) error {
	return f.validator.ValidateSubmission(params)
}

func (f *fakeApps) Resubmit(_ context.Context, params application.ResubmitParams) (application.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resubmitErr != nil {
		return application.Application{}, f.resubmitErr
	}
	app, ok := f.apps[params.ApplicationID]
	if !ok {
		return application.Application{}, apperr.NotFound("application", params.ApplicationID)
	}
	if params.UserID != app.UserID {
		return application.Application{}, apperr.Validation("userId", "does not own the application")
	}
	if err := f.validator.ValidateResubmission(app.MerchantType, params); err != nil {
		return application.Application{}, err
	}
	if err := transition.Assert(transition.EntityApplication, string(app.Status), string(application.StatusSubmitted)); err != nil {
		return application.Application{}, err
	}
	f.resubmits++
	score := application.Score(app.MerchantType, params.Fields, len(params.Documents))
	app.Fields = params.Fields
	app.Status = application.StatusSubmitted
	app.ValidationScore = &score
	f.apps[app.ApplicationID] = app
	return app, nil
}

func (f *fakeApps) Get(_ context.Context, id string) (application.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[id]
	if !ok {
		return application.Application{}, apperr.NotFound("application", id)
	}
	return app, nil
}

func (f *fakeApps) move(id string, to application.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	app := f.apps[id]
	if err := transition.Assert(transition.EntityApplication, string(app.Status), string(to)); err != nil {
		return err
	}
	app.Status = to
	f.apps[id] = app
	return nil
}

func (f *fakeApps) status(id string) application.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apps[id].Status
}

type fakeReviews struct {
	mu        sync.Mutex
	apps      *fakeApps
	tasks     map[string]review.Task
	seq       int
	reviewer  string
	assignErr error
	submitErr error
}

func newFakeReviews(apps *fakeApps) *fakeReviews {
	return &fakeReviews{apps: apps, tasks: map[string]review.Task{}}
}

func (f *fakeReviews) CreateTask(_ context.Context, params review.CreateTaskParams) (review.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := review.Task{
		ID:            fmt.Sprintf("task-%d", f.seq),
		ApplicationID: params.ApplicationID,
		TaskType:      params.TaskType,
		Priority:      review.PriorityFromScore(params.Score),
		Status:        review.StatusPending,
	}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeReviews) AssignReviewer(_ context.Context, taskID, preferred string, _ audit.Actor) (review.AssignResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return review.AssignResult{}, f.assignErr
	}
	t := f.tasks[taskID]
	res := review.AssignResult{TaskID: taskID, Auto: preferred == ""}
	switch {
	case preferred != "":
		res.ReviewerID = preferred
	case f.reviewer != "":
		res.ReviewerID = f.reviewer
	default:
		res.ReviewerID = review.DefaultReviewer
		res.Warning = &apperr.AssignmentDegradedWarning{TaskID: taskID, DefaultReviewer: review.DefaultReviewer}
	}
	id := res.ReviewerID
	t.AssignedTo = &id
	f.tasks[taskID] = t
	return res, nil
}

func (f *fakeReviews) Accept(_ context.Context, taskID, reviewerID string) (review.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	if t.Assignee() != reviewerID {
		return review.Task{}, apperr.Validation("reviewerId", "is not the assignee of this task")
	}
	if err := transition.Assert(transition.EntityTask, string(t.Status), string(review.StatusInProgress)); err != nil {
		return review.Task{}, err
	}
	if err := f.apps.move(t.ApplicationID, application.StatusUnderReview); err != nil {
		return review.Task{}, err
	}
	t.Status = review.StatusInProgress
	f.tasks[taskID] = t
	return t, nil
}

func (f *fakeReviews) SubmitReview(_ context.Context, params review.SubmitReviewParams) (review.ReviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return review.ReviewResult{}, f.submitErr
	}
	t := f.tasks[params.TaskID]
	if err := transition.Assert(transition.EntityTask, string(t.Status), string(review.StatusCompleted)); err != nil {
		return review.ReviewResult{}, err
	}
	if err := f.apps.move(t.ApplicationID, application.Status(params.Decision)); err != nil {
		return review.ReviewResult{}, err
	}
	t.Status = review.StatusCompleted
	t.Decision = params.Decision
	t.Comment = params.Comment
	f.tasks[t.ID] = t
	return review.ReviewResult{Task: t, ApplicationStatus: string(params.Decision)}, nil
}

func (f *fakeReviews) Get(_ context.Context, taskID string) (review.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return review.Task{}, apperr.NotFound("task", taskID)
	}
	return t, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
