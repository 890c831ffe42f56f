package review

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/db"
	"github.com/c66w/business-cooperation-sub000/reviewer"
	"github.com/c66w/business-cooperation-sub000/transition"
)

type fakeRepo struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: map[string]Task{}}
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, task Task) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, taskID string) (Task, error) {
	return f.Get(ctx, taskID)
}

func (f *fakeRepo) SetAssignee(ctx context.Context, tx pgx.Tx, taskID, reviewerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return apperr.NotFound("task", taskID)
	}
	task.AssignedTo = &reviewerID
	f.tasks[taskID] = task
	return nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, u StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[u.TaskID]
	if !ok {
		return apperr.NotFound("task", u.TaskID)
	}
	task.Status = u.Status
	if u.Decision != "" {
		task.Decision = u.Decision
	}
	if u.Comment != "" {
		task.Comment = u.Comment
	}
	if u.AcceptedAt != nil {
		task.AcceptedAt = u.AcceptedAt
	}
	if u.CompletedAt != nil {
		task.CompletedAt = u.CompletedAt
	}
	f.tasks[u.TaskID] = task
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, taskID string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return Task{}, apperr.NotFound("task", taskID)
	}
	return task, nil
}

func (f *fakeRepo) ListForReviewer(ctx context.Context, reviewerID string, status Status) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, task := range f.tasks {
		if task.Assignee() == reviewerID && (status == "" || task.Status == status) {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListForApplication(ctx context.Context, applicationID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, task := range f.tasks {
		if task.ApplicationID == applicationID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, task := range f.tasks {
		if task.Status == StatusPending && task.CreatedAt.Before(cutoff) {
			out = append(out, task)
		}
	}
	return out, nil
}

// fakeLoads derives loads from the fake repository so accepted tasks count.
type fakeLoads struct {
	repo      *fakeRepo
	reviewers []reviewer.Reviewer
	err       error
}

func (f *fakeLoads) Loads(ctx context.Context, q db.Querier) ([]reviewer.Load, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []reviewer.Load
	for _, rv := range f.reviewers {
		if !rv.IsActive {
			continue
		}
		n := 0
		if f.repo != nil {
			tasks, _ := f.repo.ListForReviewer(ctx, rv.ID, StatusInProgress)
			n = len(tasks)
		}
		out = append(out, reviewer.Load{ReviewerID: rv.ID, MaxConcurrentTasks: rv.MaxConcurrentTasks, InProgress: n, IsActive: true})
	}
	return out, nil
}

type fakeApps struct {
	mu      sync.Mutex
	status  map[string]application.Status
	history *fakeHistory
}

func (f *fakeApps) UpdateStatusTx(ctx context.Context, tx pgx.Tx, params application.UpdateStatusParams) (application.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, ok := f.status[params.ApplicationID]
	if !ok {
		return application.Application{}, apperr.NotFound("application", params.ApplicationID)
	}
	if err := transition.Assert(transition.EntityApplication, string(from), string(params.To)); err != nil {
		return application.Application{}, err
	}
	f.status[params.ApplicationID] = params.To
	if f.history != nil {
		f.history.entries = append(f.history.entries, audit.Entry{
			ApplicationID: params.ApplicationID,
			TaskID:        params.TaskID,
			Subject:       audit.SubjectApplication,
			Action:        application.ActionFor(params.To),
			ActorType:     params.Actor.Type,
			ActorID:       params.Actor.ID,
			FromStatus:    string(from),
			ToStatus:      string(params.To),
			Comment:       params.Comment,
		})
	}
	return application.Application{ApplicationID: params.ApplicationID, Status: params.To}, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeHistory) Record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeHistory) bySubject(subject audit.Subject) []audit.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Entry
	for _, e := range f.entries {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}

type countingMetrics struct {
	mu       sync.Mutex
	assigned int
	degraded int
	reviews  map[string]int
}

func (m *countingMetrics) TaskAssigned(bool) {
	m.mu.Lock()
	m.assigned++
	m.mu.Unlock()
}

func (m *countingMetrics) AssignmentDegraded() {
	m.mu.Lock()
	m.degraded++
	m.mu.Unlock()
}

func (m *countingMetrics) ReviewCompleted(decision string) {
	m.mu.Lock()
	if m.reviews == nil {
		m.reviews = map[string]int{}
	}
	m.reviews[decision]++
	m.mu.Unlock()
}
