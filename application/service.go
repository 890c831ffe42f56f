// Package application owns merchant cooperation submissions: the base record,
// its dynamic fields and its document references. Every write runs in one
// transaction together with the history entries and outbox messages it causes.
package application

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/db"
	"github.com/c66w/business-cooperation-sub000/transition"
)

const (
	TopicSubmitted     = "application.submitted"
	TopicStatusChanged = "application.status_changed"
)

type HistoryRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error
}

// Metrics receives submission counters. The zero Service uses a no-op.
type Metrics interface {
	ApplicationSubmitted(merchantType string)
	DocumentUploadFailed()
}

type nopMetrics struct{}

func (nopMetrics) ApplicationSubmitted(string) {}
func (nopMetrics) DocumentUploadFailed()       {}

type Service struct {
	pool           db.TxBeginner
	repo           Repository
	history        HistoryRecorder
	outbox         OutboxWriter
	uploader       Uploader
	validator      *Validator
	logger         *zap.Logger
	metrics        Metrics
	idGenerator    func() string
	docIDGenerator func() string
	now            func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, history HistoryRecorder, outbox OutboxWriter) *Service {
	return &Service{
		pool:           pool,
		repo:           repo,
		history:        history,
		outbox:         outbox,
		validator:      NewValidator(),
		logger:         zap.NewNop(),
		metrics:        nopMetrics{},
		idGenerator:    uuidApplicationID,
		docIDGenerator: uuid.NewString,
		now:            time.Now,
	}
}

func uuidApplicationID() string {
	return "APP" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// SnowflakeIDs returns an application id generator backed by node.
func SnowflakeIDs(node *snowflake.Node) func() string {
	return func() string {
		return "APP" + node.Generate().String()
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithDocumentIDGenerator(gen func() string) *Service {
	s.docIDGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithUploader(u Uploader) *Service {
	s.uploader = u
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

// Validate runs the submission rules without touching storage.
func (s *Service) Validate(params SubmitParams) error {
	return s.validator.ValidateSubmission(params)
}

// Create validates and persists a new application. The base record, fields,
// documents, the created and submitted history entries and the outbox message
// commit together or not at all.
func (s *Service) Create(ctx context.Context, params SubmitParams) (Application, error) {
	params.CompanyName = strings.TrimSpace(params.CompanyName)
	params.ContactName = strings.TrimSpace(params.ContactName)
	params.ContactPhone = strings.TrimSpace(params.ContactPhone)
	if err := s.validator.ValidateSubmission(params); err != nil {
		return Application{}, err
	}
	actor := params.Actor
	if actor.Type == "" {
		actor = audit.Actor{Type: audit.ActorMerchant, ID: params.UserID}
	}

	id := s.idGenerator()
	docs := s.uploadDocuments(ctx, id, params.Documents)
	score := Score(params.MerchantType, params.Fields, len(docs))
	now := s.now().UTC()

	app := Application{
		ApplicationID:   id,
		UserID:          params.UserID,
		CompanyName:     params.CompanyName,
		MerchantType:    params.MerchantType,
		ContactName:     params.ContactName,
		ContactPhone:    params.ContactPhone,
		Fields:          copyFields(params.Fields),
		Documents:       docs,
		Status:          StatusDraft,
		ValidationScore: &score,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, apperr.Persistence("create application", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, app); err != nil {
		return Application{}, apperr.Persistence("create application", err)
	}
	if err := s.repo.InsertFields(ctx, tx, id, app.Fields); err != nil {
		return Application{}, apperr.Persistence("create application", err)
	}
	if err := s.repo.InsertDocuments(ctx, tx, id, docs); err != nil {
		return Application{}, apperr.Persistence("create application", err)
	}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: id,
		Action:        audit.ActionCreated,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		ToStatus:      string(StatusDraft),
	}); err != nil {
		return Application{}, apperr.Persistence("create application", err)
	}

	if err := transition.Assert(transition.EntityApplication, string(app.Status), string(StatusSubmitted)); err != nil {
		return Application{}, err
	}
	if err := s.repo.SetStatus(ctx, tx, id, StatusSubmitted, &now); err != nil {
		return Application{}, apperr.Persistence("create application", err)
	}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: id,
		Action:        audit.ActionSubmitted,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		FromStatus:    string(StatusDraft),
		ToStatus:      string(StatusSubmitted),
	}); err != nil {
		return Application{}, apperr.Persistence("create application", err)
	}
	app.Status = StatusSubmitted
	app.SubmittedAt = &now

	if s.outbox != nil {
		payload := map[string]any{
			"application_id":   id,
			"user_id":          app.UserID,
			"merchant_type":    app.MerchantType,
			"validation_score": score,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicSubmitted, id, payload); err != nil {
			return Application{}, apperr.Persistence("create application", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, apperr.Persistence("create application", err)
	}

	s.metrics.ApplicationSubmitted(string(app.MerchantType))
	s.logger.Info("application submitted",
		zap.String("application_id", id),
		zap.String("merchant_type", string(app.MerchantType)),
		zap.Int("validation_score", score),
	)
	return app, nil
}

func (s *Service) Get(ctx context.Context, applicationID string) (Application, error) {
	if applicationID == "" {
		return Application{}, apperr.Validation("applicationId", "is required")
	}
	return s.repo.Get(ctx, applicationID)
}

func (s *Service) Status(ctx context.Context, applicationID string) (StatusView, error) {
	app, err := s.Get(ctx, applicationID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		Status:      app.Status,
		StatusText:  StatusText(app.Status),
		SubmittedAt: app.SubmittedAt,
	}, nil
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// UpdateStatus moves an application along the legal graph in its own
// transaction.
func (s *Service) UpdateStatus(ctx context.Context, params UpdateStatusParams) (Application, error) {
	var app Application
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		app, err = s.UpdateStatusTx(ctx, tx, params)
		return err
	})
	if err != nil {
		if apperr.IsTaxonomy(err) {
			return Application{}, err
		}
		return Application{}, apperr.Persistence("update status", err)
	}
	return app, nil
}

// UpdateStatusTx is UpdateStatus for callers that already hold tx. The row is
// locked before the transition is checked.
func (s *Service) UpdateStatusTx(ctx context.Context, tx pgx.Tx, params UpdateStatusParams) (Application, error) {
	if params.ApplicationID == "" {
		return Application{}, apperr.Validation("applicationId", "is required")
	}
	app, err := s.repo.GetForUpdate(ctx, tx, params.ApplicationID)
	if err != nil {
		return Application{}, apperr.Persistence("update status", err)
	}
	if err := transition.Assert(transition.EntityApplication, string(app.Status), string(params.To)); err != nil {
		return Application{}, err
	}

	now := s.now().UTC()
	var submittedAt *time.Time
	if params.To == StatusSubmitted {
		submittedAt = &now
	}
	if err := s.repo.SetStatus(ctx, tx, app.ApplicationID, params.To, submittedAt); err != nil {
		return Application{}, apperr.Persistence("update status", err)
	}

	action := params.Action
	if action == "" {
		action = ActionFor(params.To)
	}
	actor := params.Actor
	if actor.Type == "" {
		actor = audit.System
	}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: app.ApplicationID,
		TaskID:        params.TaskID,
		Action:        action,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		FromStatus:    string(app.Status),
		ToStatus:      string(params.To),
		Comment:       params.Comment,
	}); err != nil {
		return Application{}, apperr.Persistence("update status", err)
	}

	if s.outbox != nil {
		payload := map[string]any{
			"application_id": app.ApplicationID,
			"from":           app.Status,
			"to":             params.To,
			"actor_id":       actor.ID,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicStatusChanged, app.ApplicationID, payload); err != nil {
			return Application{}, apperr.Persistence("update status", err)
		}
	}

	s.logger.Info("application status changed",
		zap.String("application_id", app.ApplicationID),
		zap.String("from", string(app.Status)),
		zap.String("to", string(params.To)),
	)
	app.Status = params.To
	app.UpdatedAt = now
	if submittedAt != nil {
		app.SubmittedAt = submittedAt
	}
	return app, nil
}

// Resubmit replaces the content of an application whose reviewer asked for
// changes and moves it back to submitted. Stored documents stay unless the
// resubmission uploads new ones.
func (s *Service) Resubmit(ctx context.Context, params ResubmitParams) (Application, error) {
	if params.ApplicationID == "" {
		return Application{}, apperr.Validation("applicationId", "is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, apperr.Persistence("resubmit application", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.ApplicationID)
	if err != nil {
		return Application{}, apperr.Persistence("resubmit application", err)
	}
	if params.UserID == "" {
		params.UserID = current.UserID
	}
	if params.UserID != current.UserID {
		return Application{}, apperr.Validation("userId", "does not own the application")
	}
	if err := s.validator.ValidateResubmission(current.MerchantType, params); err != nil {
		return Application{}, err
	}
	if err := transition.Assert(transition.EntityApplication, string(current.Status), string(StatusSubmitted)); err != nil {
		return Application{}, err
	}

	docs := s.uploadDocuments(ctx, current.ApplicationID, params.Documents)
	var kept []Document
	if len(docs) == 0 {
		stored, err := s.repo.Get(ctx, current.ApplicationID)
		if err != nil {
			return Application{}, apperr.Persistence("resubmit application", err)
		}
		kept = stored.Documents
	}
	score := Score(current.MerchantType, params.Fields, len(docs)+len(kept))
	now := s.now().UTC()

	updated := current
	updated.CompanyName = strings.TrimSpace(params.CompanyName)
	updated.ContactName = strings.TrimSpace(params.ContactName)
	updated.ContactPhone = strings.TrimSpace(params.ContactPhone)
	updated.Fields = copyFields(params.Fields)
	updated.Documents = docs
	updated.ValidationScore = &score

	if err := s.repo.ReplaceContent(ctx, tx, updated); err != nil {
		return Application{}, apperr.Persistence("resubmit application", err)
	}
	if err := s.repo.SetStatus(ctx, tx, current.ApplicationID, StatusSubmitted, &now); err != nil {
		return Application{}, apperr.Persistence("resubmit application", err)
	}
	comment := params.Comment
	if comment == "" {
		comment = "resubmitted with changes"
	}
	if err := s.record(ctx, tx, audit.Entry{
		ApplicationID: current.ApplicationID,
		Action:        audit.ActionModified,
		ActorType:     audit.ActorMerchant,
		ActorID:       params.UserID,
		FromStatus:    string(current.Status),
		ToStatus:      string(StatusSubmitted),
		Comment:       comment,
	}); err != nil {
		return Application{}, apperr.Persistence("resubmit application", err)
	}
	if s.outbox != nil {
		payload := map[string]any{
			"application_id":   current.ApplicationID,
			"user_id":          current.UserID,
			"merchant_type":    current.MerchantType,
			"validation_score": score,
			"resubmission":     true,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicSubmitted, current.ApplicationID, payload); err != nil {
			return Application{}, apperr.Persistence("resubmit application", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, apperr.Persistence("resubmit application", err)
	}

	if len(docs) == 0 {
		updated.Documents = kept
	}
	updated.Status = StatusSubmitted
	updated.SubmittedAt = &now
	updated.UpdatedAt = now
	return updated, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error {
	if s.history == nil {
		return nil
	}
	if entry.Subject == "" {
		entry.Subject = audit.SubjectApplication
	}
	return s.history.Record(ctx, tx, entry)
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
