package main

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"

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

type documentRequest struct {
	DocumentType string `json:"documentType"`
	FileName     string `json:"fileName"`
	ContentType  string `json:"contentType"`
	// Content is base64 encoded.
	Content string `json:"content"`
}

type submitRequest struct {
	CompanyName  string            `json:"companyName"`
	MerchantType string            `json:"merchantType"`
	ContactName  string            `json:"contactName"`
	ContactPhone string            `json:"contactPhone"`
	Fields       map[string]string `json:"fields"`
	Documents    []documentRequest `json:"documents"`
}

func (req submitRequest) submission(userID string) (workflow.Submission, error) {
	sub := workflow.Submission{
		UserID:       userID,
		CompanyName:  req.CompanyName,
		MerchantType: application.MerchantType(req.MerchantType),
		ContactName:  req.ContactName,
		ContactPhone: req.ContactPhone,
		Fields:       req.Fields,
	}
	for i, d := range req.Documents {
		content, err := base64.StdEncoding.DecodeString(d.Content)
		if err != nil {
			return workflow.Submission{}, apperr.Validation("documents["+strconv.Itoa(i)+"].content", "must be base64")
		}
		sub.Documents = append(sub.Documents, workflow.Document{
			DocumentType: d.DocumentType,
			FileName:     d.FileName,
			ContentType:  d.ContentType,
			Content:      content,
		})
	}
	return sub, nil
}

type submitResponse struct {
	ApplicationID      string `json:"applicationId"`
	WorkflowID         string `json:"workflowId"`
	TaskID             string `json:"taskId,omitempty"`
	AssignedReviewer   string `json:"assignedReviewer,omitempty"`
	AssignmentDegraded bool   `json:"assignmentDegraded,omitempty"`
	ValidationScore    *int   `json:"validationScore,omitempty"`
	CurrentStep        string `json:"currentStep"`
	WorkflowStatus     string `json:"workflowStatus"`
}

func newSubmitResponse(inst workflow.Instance) submitResponse {
	return submitResponse{
		ApplicationID:      inst.Data.ApplicationID,
		WorkflowID:         inst.WorkflowID,
		TaskID:             inst.Data.TaskID,
		AssignedReviewer:   inst.Data.ReviewerID,
		AssignmentDegraded: inst.Data.AssignmentDegraded,
		ValidationScore:    inst.Data.Score,
		CurrentStep:        string(inst.CurrentStep),
		WorkflowStatus:     string(inst.Status),
	}
}

func (s *Server) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	if s.workflowService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	actor, ok := actorFrom(r)
	if !ok || actor.Type != audit.ActorMerchant {
		s.writeError(w, r, errForbidden)
		return
	}
	if !s.submitLimiter.Allow(actor.ID) {
		writeFailure(w, http.StatusTooManyRequests, "too many submissions, try again later", nil)
		return
	}

	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := req.submission(actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	inst, err := s.workflowService.Start(r.Context(), workflow.StartParams{Submission: sub})
	if err != nil {
		// The application row survives a later step failure; report it so the
		// merchant keeps the id while an operator retries the workflow.
		if inst.Data.ApplicationID != "" && !apperr.IsValidation(err) {
			s.log().Warn("workflow stopped after application was saved",
				zap.String("workflow_id", inst.WorkflowID),
				zap.String("application_id", inst.Data.ApplicationID),
				zap.Error(err),
			)
			writeSuccess(w, http.StatusAccepted, "application submitted, review setup pending", newSubmitResponse(inst))
			return
		}
		s.writeError(w, r, err)
		return
	}

	msg := "application submitted"
	if inst.Data.AssignmentDegraded {
		msg = "application submitted, assigned to the default reviewer"
	}
	writeSuccess(w, http.StatusCreated, msg, newSubmitResponse(inst))
}

type documentResponse struct {
	DocumentID   string `json:"documentId"`
	DocumentType string `json:"documentType"`
	FileName     string `json:"fileName"`
	ContentType  string `json:"contentType,omitempty"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
}

type applicationResponse struct {
	ApplicationID   string             `json:"applicationId"`
	UserID          string             `json:"userId"`
	CompanyName     string             `json:"companyName"`
	MerchantType    string             `json:"merchantType"`
	ContactName     string             `json:"contactName"`
	ContactPhone    string             `json:"contactPhone"`
	Fields          map[string]string  `json:"fields"`
	Documents       []documentResponse `json:"documents"`
	Status          string             `json:"status"`
	StatusText      string             `json:"statusText"`
	ValidationScore *int               `json:"validationScore,omitempty"`
	SubmittedAt     *string            `json:"submittedAt,omitempty"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt"`
}

func newApplicationResponse(app application.Application) applicationResponse {
	docs := make([]documentResponse, 0, len(app.Documents))
	for _, d := range app.Documents {
		docs = append(docs, documentResponse{
			DocumentID:   d.DocumentID,
			DocumentType: d.DocumentType,
			FileName:     d.FileName,
			ContentType:  d.ContentType,
			Size:         d.Size,
			URL:          d.URL,
		})
	}
	fields := app.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	return applicationResponse{
		ApplicationID:   app.ApplicationID,
		UserID:          app.UserID,
		CompanyName:     app.CompanyName,
		MerchantType:    string(app.MerchantType),
		ContactName:     app.ContactName,
		ContactPhone:    app.ContactPhone,
		Fields:          fields,
		Documents:       docs,
		Status:          string(app.Status),
		StatusText:      application.StatusText(app.Status),
		ValidationScore: app.ValidationScore,
		SubmittedAt:     formatTimePtr(app.SubmittedAt),
		CreatedAt:       formatTime(app.CreatedAt),
		UpdatedAt:       formatTime(app.UpdatedAt),
	}
}

// visibleApplication loads an application the caller may read. Merchants only
// see their own; to them another merchant's application does not exist.
func (s *Server) visibleApplication(r *http.Request, actor audit.Actor, id string) (application.Application, error) {
	if s.applicationService == nil {
		return application.Application{}, errServiceUnavailable
	}
	app, err := s.applicationService.Get(r.Context(), id)
	if err != nil {
		return application.Application{}, err
	}
	if actor.Type == audit.ActorMerchant && app.UserID != actor.ID {
		return application.Application{}, apperr.NotFound("application", id)
	}
	return app, nil
}

func (s *Server) handleApplication(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	app, err := s.visibleApplication(r, actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", newApplicationResponse(app))
}

type statusResponse struct {
	ApplicationID string  `json:"applicationId"`
	Status        string  `json:"status"`
	StatusText    string  `json:"statusText"`
	SubmittedAt   *string `json:"submittedAt,omitempty"`
}

func (s *Server) handleApplicationStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	id := mux.Vars(r)["id"]
	if _, err := s.visibleApplication(r, actor, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.applicationService.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", statusResponse{
		ApplicationID: id,
		Status:        string(view.Status),
		StatusText:    view.StatusText,
		SubmittedAt:   formatTimePtr(view.SubmittedAt),
	})
}

type historyResponse struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"taskId,omitempty"`
	Subject    string `json:"subject"`
	Action     string `json:"action"`
	ActorType  string `json:"actorType"`
	ActorID    string `json:"actorId"`
	FromStatus string `json:"fromStatus,omitempty"`
	ToStatus   string `json:"toStatus,omitempty"`
	Comment    string `json:"comment,omitempty"`
	Timestamp  string `json:"timestamp"`
}

func (s *Server) handleApplicationHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	id := mux.Vars(r)["id"]
	if _, err := s.visibleApplication(r, actor, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.historyService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	entries, err := s.historyService.ListFor(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyResponse{
			ID:         e.ID,
			TaskID:     e.TaskID,
			Subject:    string(e.Subject),
			Action:     string(e.Action),
			ActorType:  string(e.ActorType),
			ActorID:    e.ActorID,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Comment:    e.Comment,
			Timestamp:  formatTime(e.Timestamp),
		})
	}
	writeSuccess(w, http.StatusOK, "", out)
}

func (s *Server) handleApplicationWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	id := mux.Vars(r)["id"]
	if _, err := s.visibleApplication(r, actor, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.workflowService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	inst, err := s.workflowService.ForApplication(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", inst)
}

type listResponse struct {
	Items    []applicationResponse `json:"items"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"pageSize"`
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	if s.applicationService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	actor, _ := actorFrom(r)
	q := r.URL.Query()
	filters := application.Filters{
		UserID: q.Get("userId"),
		Status: application.Status(q.Get("status")),
	}
	var err error
	if filters.Page, err = intParam(q.Get("page"), 1); err != nil {
		s.writeError(w, r, apperr.Validation("page", "must be a positive integer"))
		return
	}
	if filters.PageSize, err = intParam(q.Get("pageSize"), 20); err != nil || filters.PageSize > 100 {
		s.writeError(w, r, apperr.Validation("pageSize", "must be between 1 and 100"))
		return
	}
	if actor.Type == audit.ActorMerchant {
		filters.UserID = actor.ID
	}

	res, err := s.applicationService.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]applicationResponse, 0, len(res.Items))
	for _, app := range res.Items {
		items = append(items, newApplicationResponse(app))
	}
	writeSuccess(w, http.StatusOK, "", listResponse{Items: items, Total: res.Total, Page: filters.Page, PageSize: filters.PageSize})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

// handleResubmit answers a changes request: it resumes the application's
// workflow at the modification step with the revised submission.
func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	id := mux.Vars(r)["id"]
	if _, err := s.visibleApplication(r, actor, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.workflowService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := req.submission(actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	inst, err := s.workflowService.ForApplication(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(w, r, actions.ResumeWorkflow{
		WorkflowID: inst.WorkflowID,
		StepID:     workflow.StepModification,
		Decision:   workflow.Decision{Submission: &sub},
	})
}

type taskResponse struct {
	TaskID        string  `json:"taskId"`
	ApplicationID string  `json:"applicationId"`
	TaskType      string  `json:"taskType"`
	AssignedTo    *string `json:"assignedTo"`
	Priority      string  `json:"priority"`
	Status        string  `json:"status"`
	Decision      string  `json:"decision,omitempty"`
	Comment       string  `json:"comment,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
	AcceptedAt    *string `json:"acceptedAt,omitempty"`
	CompletedAt   *string `json:"completedAt,omitempty"`
}

func newTaskResponse(t review.Task) taskResponse {
	return taskResponse{
		TaskID:        t.ID,
		ApplicationID: t.ApplicationID,
		TaskType:      string(t.TaskType),
		AssignedTo:    t.AssignedTo,
		Priority:      string(t.Priority),
		Status:        string(t.Status),
		Decision:      string(t.Decision),
		Comment:       t.Comment,
		CreatedAt:     formatTime(t.CreatedAt),
		UpdatedAt:     formatTime(t.UpdatedAt),
		AcceptedAt:    formatTimePtr(t.AcceptedAt),
		CompletedAt:   formatTimePtr(t.CompletedAt),
	}
}

func newTaskList(tasks []review.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskResponse(t))
	}
	return out
}

// handleMyTasks lists the caller's tasks. Admins may pass reviewerId or
// applicationId.
func (s *Server) handleMyTasks(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	actor, _ := actorFrom(r)
	if !isStaff(actor) {
		s.writeError(w, r, errForbidden)
		return
	}
	q := r.URL.Query()
	if appID := q.Get("applicationId"); appID != "" && actor.Type == audit.ActorAdmin {
		tasks, err := s.taskService.ListForApplication(r.Context(), appID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, "", newTaskList(tasks))
		return
	}
	reviewerID := actor.ID
	if id := q.Get("reviewerId"); id != "" && actor.Type == audit.ActorAdmin {
		reviewerID = id
	}
	tasks, err := s.taskService.ListForReviewer(r.Context(), reviewerID, review.Status(q.Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", newTaskList(tasks))
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	actor, _ := actorFrom(r)
	if !isStaff(actor) {
		s.writeError(w, r, errForbidden)
		return
	}
	task, err := s.taskService.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", newTaskResponse(task))
}

type assignRequest struct {
	ReviewerID string `json:"reviewerId"`
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(w, r, actions.AssignTask{TaskID: mux.Vars(r)["id"], ReviewerID: req.ReviewerID})
}

func (s *Server) handleReassignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(w, r, actions.ReassignTask{TaskID: mux.Vars(r)["id"], ReviewerID: req.ReviewerID})
}

func (s *Server) handleBatchAssign(w http.ResponseWriter, r *http.Request) {
	var req actions.BatchAssign
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(w, r, req)
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(w, r, actions.AcceptTask{TaskID: mux.Vars(r)["id"], ReviewerID: req.ReviewerID})
}

type reviewRequest struct {
	Decision   string `json:"decision"`
	Comment    string `json:"comment"`
	ReviewerID string `json:"reviewerId"`
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(w, r, actions.SubmitReview{
		TaskID:     mux.Vars(r)["id"],
		ReviewerID: req.ReviewerID,
		Decision:   review.Decision(req.Decision),
		Comment:    req.Comment,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(w, r, actions.CancelTask{TaskID: mux.Vars(r)["id"], Reason: req.Reason})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.workflowService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	actor, _ := actorFrom(r)
	inst, err := s.workflowService.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actor.Type == audit.ActorMerchant && (inst.Data.Submission == nil || inst.Data.Submission.UserID != actor.ID) {
		s.writeError(w, r, apperr.NotFound("workflow", inst.WorkflowID))
		return
	}
	writeSuccess(w, http.StatusOK, "", inst)
}

type resumeRequest struct {
	StepID     string         `json:"stepId"`
	Decision   string         `json:"decision"`
	Comment    string         `json:"comment"`
	ReviewerID string         `json:"reviewerId"`
	Submission *submitRequest `json:"submission"`
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.StepID == "" {
		s.writeError(w, r, apperr.Validation("stepId", "is required"))
		return
	}
	dec := workflow.Decision{
		Decision:   review.Decision(req.Decision),
		Comment:    req.Comment,
		ReviewerID: req.ReviewerID,
	}
	if req.Submission != nil {
		actor, _ := actorFrom(r)
		sub, err := req.Submission.submission(actor.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		dec.Submission = &sub
	}
	s.dispatch(w, r, actions.ResumeWorkflow{
		WorkflowID: mux.Vars(r)["id"],
		StepID:     workflow.Step(req.StepID),
		Decision:   dec,
	})
}

func (s *Server) handleRetryWorkflow(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, actions.RetryWorkflow{WorkflowID: mux.Vars(r)["id"]})
}

// handleSystemAction runs a raw {"action","params"} command.
func (s *Server) handleSystemAction(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, apperr.Validation("body", "could not be read"))
		return
	}
	cmd, err := actions.Decode(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(w, r, cmd)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd actions.Command) {
	if s.dispatcher == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		s.writeError(w, r, errForbidden)
		return
	}
	out, err := s.dispatcher.Execute(r.Context(), cmd, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, string(cmd.Kind()), present(out))
}

type assignResponse struct {
	TaskID     string `json:"taskId"`
	ReviewerID string `json:"reviewerId"`
	Auto       bool   `json:"auto"`
	Degraded   bool   `json:"degraded"`
	Warning    string `json:"warning,omitempty"`
}

type reviewOutcomeResponse struct {
	Task              taskResponse       `json:"task"`
	ApplicationStatus string             `json:"applicationStatus,omitempty"`
	Workflow          *workflow.Instance `json:"workflow,omitempty"`
}

// present converts dispatcher results into their wire form.
func present(v any) any {
	switch out := v.(type) {
	case review.Task:
		return newTaskResponse(out)
	case []review.Task:
		return newTaskList(out)
	case review.AssignResult:
		res := assignResponse{TaskID: out.TaskID, ReviewerID: out.ReviewerID, Auto: out.Auto, Degraded: out.Degraded()}
		if out.Warning != nil {
			res.Warning = out.Warning.Error()
		}
		return res
	case actions.ReviewOutcome:
		return reviewOutcomeResponse{
			Task:              newTaskResponse(out.Task),
			ApplicationStatus: out.ApplicationStatus,
			Workflow:          out.Workflow,
		}
	}
	return v
}

type reviewerResponse struct {
	ReviewerID         string `json:"reviewerId"`
	DisplayName        string `json:"displayName"`
	MaxConcurrentTasks int    `json:"maxConcurrentTasks"`
	IsActive           bool   `json:"isActive"`
	CreatedAt          string `json:"createdAt"`
}

func (s *Server) handleReviewers(w http.ResponseWriter, r *http.Request) {
	if s.reviewerPool == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	if actor, _ := actorFrom(r); actor.Type != audit.ActorAdmin {
		s.writeError(w, r, errForbidden)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil {
		s.writeError(w, r, apperr.Validation("limit", "must be a positive integer"))
		return
	}
	list, err := s.reviewerPool.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]reviewerResponse, 0, len(list))
	for _, rv := range list {
		out = append(out, reviewerResponse{
			ReviewerID:         rv.ID,
			DisplayName:        rv.DisplayName,
			MaxConcurrentTasks: rv.MaxConcurrentTasks,
			IsActive:           rv.IsActive,
			CreatedAt:          formatTime(rv.CreatedAt),
		})
	}
	writeSuccess(w, http.StatusOK, "", out)
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleReviewerActive(w http.ResponseWriter, r *http.Request) {
	if s.reviewerPool == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	if actor, _ := actorFrom(r); actor.Type != audit.ActorAdmin {
		s.writeError(w, r, errForbidden)
		return
	}
	var req activeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.reviewerPool.SetActive(r.Context(), mux.Vars(r)["id"], req.Active); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "reviewer updated", nil)
}

type suggestRequest struct {
	FileName      string            `json:"fileName"`
	Content       string            `json:"content"`
	CurrentFields map[string]string `json:"currentFields"`
}

type suggestResponse struct {
	Fields     map[string]string `json:"fields"`
	Confidence float64           `json:"confidence"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil || !s.assistant.Configured() {
		s.writeError(w, r, assist.ErrNotConfigured)
		return
	}
	var req suggestRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		s.writeError(w, r, apperr.Validation("content", "must be base64"))
		return
	}
	sug, err := s.assistant.Suggest(r.Context(), data, req.FileName, req.CurrentFields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", suggestResponse{Fields: sug.Fields, Confidence: sug.Confidence})
}

type registerResponse struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

// handleRegister creates an account. Reviewer accounts also join the pool.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.authService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	var req auth.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if acct.Role == auth.RoleReviewer && s.reviewerPool != nil {
		capacity := s.defaultReviewerCapacity
		if capacity <= 0 {
			capacity = 10
		}
		if _, err := s.reviewerPool.Register(r.Context(), reviewer.Reviewer{
			ID:                 acct.ID,
			DisplayName:        acct.FullName,
			MaxConcurrentTasks: capacity,
			IsActive:           true,
		}); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeSuccess(w, http.StatusCreated, "account created", registerResponse{
		UserID:    acct.ID,
		Email:     acct.Email,
		FullName:  acct.FullName,
		Role:      string(acct.Role),
		CreatedAt: formatTime(acct.CreatedAt),
	})
}

type loginResponse struct {
	Token     string           `json:"token"`
	ExpiresAt string           `json:"expiresAt"`
	User      registerResponse `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.authService == nil {
		s.writeError(w, r, errServiceUnavailable)
		return
	}
	var req auth.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "logged in", loginResponse{
		Token:     res.Token,
		ExpiresAt: formatTime(res.ExpiresAt),
		User: registerResponse{
			UserID:    res.Account.ID,
			Email:     res.Account.Email,
			FullName:  res.Account.FullName,
			Role:      string(res.Account.Role),
			CreatedAt: formatTime(res.Account.CreatedAt),
		},
	})
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeBody(r, dst)
}
