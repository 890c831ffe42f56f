package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/c66w/business-cooperation-sub000/actions"
	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/assist"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/auth"
	"github.com/c66w/business-cooperation-sub000/review"
	"github.com/c66w/business-cooperation-sub000/reviewer"
	"github.com/c66w/business-cooperation-sub000/workflow"
)

type applicationService interface {
	Get(ctx context.Context, applicationID string) (application.Application, error)
	Status(ctx context.Context, applicationID string) (application.StatusView, error)
	List(ctx context.Context, filters application.Filters) (application.ListResult, error)
}

type workflowService interface {
	Start(ctx context.Context, params workflow.StartParams) (workflow.Instance, error)
	Get(ctx context.Context, workflowID string) (workflow.Instance, error)
	ForApplication(ctx context.Context, applicationID string) (workflow.Instance, error)
}

type taskService interface {
	Get(ctx context.Context, taskID string) (review.Task, error)
	ListForReviewer(ctx context.Context, reviewerID string, status review.Status) ([]review.Task, error)
	ListForApplication(ctx context.Context, applicationID string) ([]review.Task, error)
}

type historyService interface {
	ListFor(ctx context.Context, applicationID string) ([]audit.Entry, error)
}

type commandDispatcher interface {
	Execute(ctx context.Context, cmd actions.Command, actor audit.Actor) (any, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Principal, error)
}

type reviewerPool interface {
	Register(ctx context.Context, rv reviewer.Reviewer) (reviewer.Reviewer, error)
	List(ctx context.Context, limit int) ([]reviewer.Reviewer, error)
	SetActive(ctx context.Context, id string, active bool) error
}

type fieldAssistant interface {
	Configured() bool
	Suggest(ctx context.Context, data []byte, filename string, current map[string]string) (assist.Suggestion, error)
}

// Server holds the HTTP handlers. Any service left nil answers 503.
type Server struct {
	applicationService applicationService
	workflowService    workflowService
	taskService        taskService
	historyService     historyService
	dispatcher         commandDispatcher
	authService        authService
	reviewerPool       reviewerPool
	assistant          fieldAssistant
	submitLimiter      *principalLimiter
	metricsHandler     http.Handler
	logger             *zap.Logger
	maxBodyBytes       int64
	// defaultReviewerCapacity is used when a reviewer account joins the pool.
	defaultReviewerCapacity int
}

// Routes builds the router. wrap is applied to every matched route, outermost
// first.
func (s *Server) Routes(wrap ...mux.MiddlewareFunc) http.Handler {
	r := mux.NewRouter()
	for _, mw := range wrap {
		r.Use(mw)
	}
	r.Use(s.recoverMiddleware, s.limitBody)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/applications", s.handleSubmitApplication).Methods(http.MethodPost)
	api.HandleFunc("/applications", s.handleListApplications).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id}", s.handleApplication).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id}/status", s.handleApplicationStatus).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id}/history", s.handleApplicationHistory).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id}/workflow", s.handleApplicationWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id}/resubmit", s.handleResubmit).Methods(http.MethodPost)

	api.HandleFunc("/tasks", s.handleMyTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/batch-assign", s.handleBatchAssign).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", s.handleTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/assign", s.handleAssignTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/reassign", s.handleReassignTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/accept", s.handleAcceptTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/review", s.handleSubmitReview).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods(http.MethodPost)

	api.HandleFunc("/workflows/{id}", s.handleWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/resume", s.handleResumeWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/retry", s.handleRetryWorkflow).Methods(http.MethodPost)

	api.HandleFunc("/reviewers", s.handleReviewers).Methods(http.MethodGet)
	api.HandleFunc("/reviewers/{id}/active", s.handleReviewerActive).Methods(http.MethodPut)

	api.HandleFunc("/system/actions", s.handleSystemAction).Methods(http.MethodPost)
	api.HandleFunc("/assist/suggest", s.handleSuggest).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusNotFound, "route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, "ok", map[string]string{"time": time.Now().UTC().Format(time.RFC3339)})
}

// envelope is the body of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: false, Message: message, Data: data})
}

// writeError maps service errors onto HTTP statuses. Unclassified errors are
// logged and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *apperr.ValidationError
		terr *apperr.IllegalTransitionError
		nerr *apperr.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		writeFailure(w, http.StatusBadRequest, "validation failed", verr.Fields)
	case errors.As(err, &terr):
		writeFailure(w, http.StatusConflict, terr.Error(), nil)
	case errors.As(err, &nerr):
		writeFailure(w, http.StatusNotFound, nerr.Error(), nil)
	case errors.Is(err, workflow.ErrInvalidStepTransition):
		writeFailure(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, actions.ErrForbidden), errors.Is(err, errForbidden):
		writeFailure(w, http.StatusForbidden, "forbidden", nil)
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeFailure(w, http.StatusUnauthorized, "invalid credentials", nil)
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeFailure(w, http.StatusConflict, "email already registered", nil)
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRequest), errors.Is(err, auth.ErrRoleNotAllowed):
		writeFailure(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, assist.ErrNotConfigured):
		writeFailure(w, http.StatusNotImplemented, "document assistant is not configured", nil)
	case errors.Is(err, assist.ErrUnsupportedDocument):
		writeFailure(w, http.StatusUnsupportedMediaType, err.Error(), nil)
	case errors.Is(err, errServiceUnavailable):
		writeFailure(w, http.StatusServiceUnavailable, "service unavailable", nil)
	default:
		s.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeFailure(w, http.StatusInternalServerError, "internal error", nil)
	}
}

var (
	errForbidden          = errors.New("forbidden")
	errServiceUnavailable = errors.New("service unavailable")
)

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// decodeBody reads a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("body", "is too large")
		}
		return apperr.Validation("body", "must be valid JSON: "+err.Error())
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
