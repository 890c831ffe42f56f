package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/review"
)

// Applications is the slice of the application store the pipeline drives.
type Applications interface {
	Create(ctx context.Context, params application.SubmitParams) (application.Application, error)
	Resubmit(ctx context.Context, params application.ResubmitParams) (application.Application, error)
	Get(ctx context.Context, applicationID string) (application.Application, error)
	Validate(params application.SubmitParams) error
}

// Reviews is the slice of task assignment the pipeline drives.
type Reviews interface {
	CreateTask(ctx context.Context, params review.CreateTaskParams) (review.Task, error)
	AssignReviewer(ctx context.Context, taskID, preferred string, actor audit.Actor) (review.AssignResult, error)
	Accept(ctx context.Context, taskID, reviewerID string) (review.Task, error)
	SubmitReview(ctx context.Context, params review.SubmitReviewParams) (review.ReviewResult, error)
	Get(ctx context.Context, taskID string) (review.Task, error)
}

type Orchestrator struct {
	store       Store
	apps        Applications
	reviews     Reviews
	observers   []Observer
	logger      *zap.Logger
	now         func() time.Time
	idGenerator func() string
}

func NewOrchestrator(store Store, apps Applications, reviews Reviews) *Orchestrator {
	return &Orchestrator{
		store:       store,
		apps:        apps,
		reviews:     reviews,
		logger:      zap.NewNop(),
		now:         time.Now,
		idGenerator: uuid.NewString,
	}
}

func (o *Orchestrator) WithObservers(obs ...Observer) *Orchestrator {
	for _, ob := range obs {
		if ob != nil {
			o.observers = append(o.observers, ob)
		}
	}
	return o
}

func (o *Orchestrator) WithLogger(logger *zap.Logger) *Orchestrator {
	if logger != nil {
		o.logger = logger
	}
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

func (o *Orchestrator) WithIDGenerator(gen func() string) *Orchestrator {
	if gen != nil {
		o.idGenerator = gen
	}
	return o
}

// Start creates an instance and runs it up to the first manual step. A
// submission the application rules reject is returned without storing an
// instance.
func (o *Orchestrator) Start(ctx context.Context, params StartParams) (Instance, error) {
	sub := params.Submission
	if err := o.apps.Validate(submitParams(normalize(sub))); err != nil {
		return Instance{}, err
	}
	now := o.now().UTC()
	inst, err := o.store.Create(ctx, Instance{
		WorkflowID:  o.idGenerator(),
		CurrentStep: StepDataCollection,
		Status:      StatusRunning,
		Data:        Data{Submission: &sub},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Instance{}, apperr.Persistence("start workflow", err)
	}
	o.emit(ctx, Event{Type: EventStarted, WorkflowID: inst.WorkflowID, Step: inst.CurrentStep})
	return o.run(ctx, inst)
}

// Resume feeds an external decision into the suspended manual step and
// continues until the next suspension or completion. Input the step rejects
// leaves the instance suspended and is returned as a ValidationError.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string, stepID Step, decision Decision) (Instance, error) {
	inst, err := o.load(ctx, workflowID)
	if err != nil {
		return Instance{}, err
	}
	if inst.Status != StatusSuspended || inst.CurrentStep != stepID {
		return inst, fmt.Errorf("%w: workflow %s is %s at %s, not suspended at %s",
			ErrInvalidStepTransition, workflowID, inst.Status, inst.CurrentStep, stepID)
	}
	def := graph[stepID]
	if err := def.check(o, ctx, inst, decision); err != nil {
		return inst, err
	}

	suspended := inst
	inst.Status = StatusRunning
	o.emit(ctx, Event{Type: EventResumed, WorkflowID: inst.WorkflowID, ApplicationID: inst.ApplicationID, Step: stepID})
	started := o.now().UTC()
	note, err := def.resume(o, ctx, &inst, decision)
	if apperr.IsValidation(err) {
		return suspended, err
	}
	inst, err = o.record(ctx, inst, RecordResumed, started, note, err)
	if err != nil {
		return inst, err
	}
	return o.advance(ctx, inst, def)
}

// Retry re-triggers an instance left in the error status. A manual step that
// failed while resuming goes back to suspended, as does a resubmission that
// failed before it was saved. Anything else re-runs from the failed step.
func (o *Orchestrator) Retry(ctx context.Context, workflowID string) (Instance, error) {
	inst, err := o.load(ctx, workflowID)
	if err != nil {
		return Instance{}, err
	}
	if inst.Status != StatusError {
		return inst, fmt.Errorf("%w: workflow %s is %s, not error", ErrInvalidStepTransition, workflowID, inst.Status)
	}
	inst.LastError = ""
	if graph[inst.CurrentStep].manual && parked(inst) {
		inst.Status = StatusSuspended
		return o.save(ctx, inst)
	}
	if unsavedResubmission(inst) {
		return o.reopenModification(ctx, inst)
	}
	inst.Status = StatusRunning
	return o.run(ctx, inst)
}

func (o *Orchestrator) Get(ctx context.Context, workflowID string) (Instance, error) {
	return o.load(ctx, workflowID)
}

// ForApplication returns the latest instance driving an application.
func (o *Orchestrator) ForApplication(ctx context.Context, applicationID string) (Instance, error) {
	inst, err := o.store.FindByApplication(ctx, applicationID)
	if errors.Is(err, ErrNotFound) {
		return Instance{}, apperr.NotFound("workflow", applicationID)
	}
	if err != nil {
		return Instance{}, apperr.Persistence("load workflow", err)
	}
	return inst, nil
}

func (o *Orchestrator) load(ctx context.Context, workflowID string) (Instance, error) {
	if workflowID == "" {
		return Instance{}, apperr.Validation("workflowId", "is required")
	}
	inst, err := o.store.Get(ctx, workflowID)
	if errors.Is(err, ErrNotFound) {
		return Instance{}, apperr.NotFound("workflow", workflowID)
	}
	if err != nil {
		return Instance{}, apperr.Persistence("load workflow", err)
	}
	return inst, nil
}

// run executes steps from CurrentStep. Automatic steps chain; the first
// manual step is entered and the instance suspends.
func (o *Orchestrator) run(ctx context.Context, inst Instance) (Instance, error) {
	for {
		def, ok := graph[inst.CurrentStep]
		if !ok {
			return o.fail(ctx, inst, time.Time{}, fmt.Errorf("workflow: unknown step %q", inst.CurrentStep))
		}
		if def.manual {
			inst, err := o.execute(ctx, inst, RecordSuspended, func(ctx context.Context, inst *Instance) (string, error) {
				note, err := def.enter(o, ctx, inst)
				if err == nil {
					inst.Status = StatusSuspended
				}
				return note, err
			})
			if err != nil {
				return inst, err
			}
			o.emit(ctx, Event{Type: EventSuspended, WorkflowID: inst.WorkflowID, ApplicationID: inst.ApplicationID, Step: inst.CurrentStep})
			return inst, nil
		}

		var err error
		inst, err = o.execute(ctx, inst, RecordSucceeded, func(ctx context.Context, inst *Instance) (string, error) {
			return def.enter(o, ctx, inst)
		})
		if err != nil {
			return inst, err
		}
		if def.next == nil {
			return o.complete(ctx, inst)
		}
		inst.CurrentStep = def.next(inst)
	}
}

// advance picks the step after a resumed manual step and keeps running.
func (o *Orchestrator) advance(ctx context.Context, inst Instance, def stepDef) (Instance, error) {
	if def.next == nil {
		return o.complete(ctx, inst)
	}
	inst.CurrentStep = def.next(inst)
	return o.run(ctx, inst)
}

// execute runs fn for the current step, appends its record and persists the
// instance before returning. A failing step moves the instance to error.
func (o *Orchestrator) execute(ctx context.Context, inst Instance, outcome RecordStatus, fn func(context.Context, *Instance) (string, error)) (Instance, error) {
	started := o.now().UTC()
	note, err := fn(ctx, &inst)
	return o.record(ctx, inst, outcome, started, note, err)
}

func (o *Orchestrator) record(ctx context.Context, inst Instance, outcome RecordStatus, started time.Time, note string, err error) (Instance, error) {
	if err != nil {
		return o.fail(ctx, inst, started, err)
	}

	finished := o.now().UTC()
	inst.History = append(inst.History, StepRecord{
		Step:       inst.CurrentStep,
		Status:     outcome,
		StartedAt:  started,
		FinishedAt: finished,
		Note:       note,
	})
	if inst.Data.ApplicationID != "" {
		inst.ApplicationID = inst.Data.ApplicationID
	}
	saved, err := o.save(ctx, inst)
	if err != nil {
		return inst, err
	}
	o.emit(ctx, Event{
		Type:          EventStepCompleted,
		WorkflowID:    saved.WorkflowID,
		ApplicationID: saved.ApplicationID,
		Step:          saved.CurrentStep,
		Duration:      finished.Sub(started),
	})
	return saved, nil
}

func (o *Orchestrator) fail(ctx context.Context, inst Instance, started time.Time, cause error) (Instance, error) {
	finished := o.now().UTC()
	if started.IsZero() {
		started = finished
	}
	inst.History = append(inst.History, StepRecord{
		Step:       inst.CurrentStep,
		Status:     RecordFailed,
		StartedAt:  started,
		FinishedAt: finished,
		Error:      cause.Error(),
	})
	inst.Status = StatusError
	inst.LastError = cause.Error()
	if inst.Data.ApplicationID != "" {
		inst.ApplicationID = inst.Data.ApplicationID
	}

	saved, err := o.save(ctx, inst)
	if err != nil {
		o.logger.Error("workflow error state not persisted",
			zap.String("workflow_id", inst.WorkflowID),
			zap.String("step", string(inst.CurrentStep)),
			zap.Error(err),
		)
		saved = inst
	}
	o.emit(ctx, Event{
		Type:          EventStepFailed,
		WorkflowID:    saved.WorkflowID,
		ApplicationID: saved.ApplicationID,
		Step:          saved.CurrentStep,
		Duration:      finished.Sub(started),
		Err:           cause,
	})
	return saved, fmt.Errorf("workflow: step %s: %w", inst.CurrentStep, cause)
}

func (o *Orchestrator) complete(ctx context.Context, inst Instance) (Instance, error) {
	inst.Status = StatusCompleted
	saved, err := o.save(ctx, inst)
	if err != nil {
		return inst, err
	}
	o.emit(ctx, Event{Type: EventCompleted, WorkflowID: saved.WorkflowID, ApplicationID: saved.ApplicationID, Step: saved.CurrentStep})
	return saved, nil
}

func (o *Orchestrator) save(ctx context.Context, inst Instance) (Instance, error) {
	inst.UpdatedAt = o.now().UTC()
	saved, err := o.store.Save(ctx, inst)
	if errors.Is(err, ErrConflict) {
		return inst, fmt.Errorf("%w: workflow %s was modified concurrently", ErrInvalidStepTransition, inst.WorkflowID)
	}
	if err != nil {
		return inst, apperr.Persistence("save workflow", err)
	}
	return saved, nil
}

func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = o.now().UTC()
	}
	for _, ob := range o.observers {
		ob.OnEvent(ctx, ev)
	}
}

// parked reports whether the current manual step was entered, i.e. its task
// exists and only the resume failed.
func parked(inst Instance) bool {
	for i := len(inst.History) - 1; i >= 0; i-- {
		rec := inst.History[i]
		if rec.Step != inst.CurrentStep {
			return false
		}
		if rec.Status == RecordSuspended {
			return true
		}
	}
	return false
}

// unsavedResubmission reports whether the instance failed between a
// modification resume and the data_save that would have stored it.
func unsavedResubmission(inst Instance) bool {
	if inst.CurrentStep != StepDataCollection && inst.CurrentStep != StepDataSave {
		return false
	}
	for i := len(inst.History) - 1; i >= 0; i-- {
		rec := inst.History[i]
		switch {
		case rec.Step == StepDataSave && rec.Status == RecordSucceeded:
			return false
		case rec.Step == StepModification && rec.Status == RecordResumed:
			return true
		}
	}
	return false
}

// reopenModification discards the rejected resubmission round and suspends
// the instance at modification again.
func (o *Orchestrator) reopenModification(ctx context.Context, inst Instance) (Instance, error) {
	now := o.now().UTC()
	if inst.Data.Rounds > 0 {
		inst.Data.Rounds--
	}
	inst.CurrentStep = StepModification
	inst.Status = StatusSuspended
	inst.History = append(inst.History, StepRecord{
		Step:       StepModification,
		Status:     RecordSuspended,
		StartedAt:  now,
		FinishedAt: now,
		Note:       "resubmission not saved, waiting for merchant changes",
	})
	saved, err := o.save(ctx, inst)
	if err != nil {
		return inst, err
	}
	o.emit(ctx, Event{Type: EventSuspended, WorkflowID: saved.WorkflowID, ApplicationID: saved.ApplicationID, Step: saved.CurrentStep})
	return saved, nil
}

func normalize(sub Submission) Submission {
	out := Submission{
		UserID:       strings.TrimSpace(sub.UserID),
		CompanyName:  strings.TrimSpace(sub.CompanyName),
		MerchantType: application.MerchantType(strings.ToLower(strings.TrimSpace(string(sub.MerchantType)))),
		ContactName:  strings.TrimSpace(sub.ContactName),
		ContactPhone: strings.TrimSpace(sub.ContactPhone),
		Fields:       map[string]string{},
		Documents:    append([]Document(nil), sub.Documents...),
	}
	for k, v := range sub.Fields {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		out.Fields[key] = strings.TrimSpace(v)
	}
	return out
}

func uploads(docs []Document) []application.DocumentUpload {
	out := make([]application.DocumentUpload, 0, len(docs))
	for _, d := range docs {
		out = append(out, application.DocumentUpload{
			DocumentType: d.DocumentType,
			FileName:     d.FileName,
			ContentType:  d.ContentType,
			Content:      d.Content,
		})
	}
	return out
}
