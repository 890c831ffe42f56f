// Package workflow drives an application through the fixed review pipeline.
//
// Automatic steps run as soon as they are reached. Manual steps create a
// review task and park the instance as suspended until Resume is called with
// the reviewer's decision. Instances are persisted after every step so a
// suspended pipeline survives restarts.
package workflow

import (
	"errors"
	"time"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/review"
)

type Step string

const (
	StepDataCollection Step = "data_collection"
	StepDataSave       Step = "data_save"
	StepValidation     Step = "validation"
	StepReview         Step = "review"
	StepManualReview   Step = "manual_review"
	StepApproval       Step = "approval"
	StepRejection      Step = "rejection"
	StepModification   Step = "modification"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// AutoReviewThreshold is the lowest validation score routed to the regular
// review queue. Lower scores go to manual_review.
const AutoReviewThreshold = 80

// ErrInvalidStepTransition is returned by Resume when the step id does not
// match the suspended step.
var ErrInvalidStepTransition = errors.New("workflow: invalid step transition")

// ErrConflict is returned by Store.Save when the instance changed since it was
// loaded.
var ErrConflict = errors.New("workflow: concurrent update")

// ErrNotFound is returned by Store lookups.
var ErrNotFound = errors.New("workflow: instance not found")

// Instance is the persisted state of one pipeline run.
type Instance struct {
	WorkflowID    string       `json:"workflowId"`
	ApplicationID string       `json:"applicationId,omitempty"`
	CurrentStep   Step         `json:"currentStep"`
	Status        Status       `json:"status"`
	Data          Data         `json:"data"`
	History       []StepRecord `json:"history"`
	LastError     string       `json:"lastError,omitempty"`
	Version       int          `json:"-"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Data is what steps hand to each other. It is stored as jsonb.
type Data struct {
	Submission         *Submission     `json:"submission,omitempty"`
	ApplicationID      string          `json:"applicationId,omitempty"`
	Score              *int            `json:"score,omitempty"`
	TaskID             string          `json:"taskId,omitempty"`
	TaskType           review.TaskType `json:"taskType,omitempty"`
	ReviewerID         string          `json:"reviewerId,omitempty"`
	AssignmentDegraded bool            `json:"assignmentDegraded,omitempty"`
	Decision           review.Decision `json:"decision,omitempty"`
	Comment            string          `json:"comment,omitempty"`
	FinalStatus        string          `json:"finalStatus,omitempty"`
	Rounds             int             `json:"rounds"`
}

// Submission is the merchant input collected by data_collection.
type Submission struct {
	UserID       string                   `json:"userId"`
	CompanyName  string                   `json:"companyName"`
	MerchantType application.MerchantType `json:"merchantType"`
	ContactName  string                   `json:"contactName"`
	ContactPhone string                   `json:"contactPhone"`
	Fields       map[string]string        `json:"fields,omitempty"`
	Documents    []Document               `json:"documents,omitempty"`
}

// Document is an uploaded file carried until data_save stores it.
type Document struct {
	DocumentType string `json:"documentType"`
	FileName     string `json:"fileName"`
	ContentType  string `json:"contentType,omitempty"`
	Content      []byte `json:"content,omitempty"`
}

type RecordStatus string

const (
	RecordSucceeded RecordStatus = "succeeded"
	RecordSuspended RecordStatus = "suspended"
	RecordResumed   RecordStatus = "resumed"
	RecordFailed    RecordStatus = "failed"
)

// StepRecord is one step execution.
type StepRecord struct {
	Step       Step         `json:"step"`
	Status     RecordStatus `json:"status"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Note       string       `json:"note,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// StartParams begins a pipeline for a new submission.
type StartParams struct {
	Submission Submission
}

// Decision is the external input that resumes a manual step. Review steps
// read Decision, Comment and ReviewerID; modification reads Submission.
type Decision struct {
	Decision   review.Decision `json:"decision,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	ReviewerID string          `json:"reviewerId,omitempty"`
	Submission *Submission     `json:"submission,omitempty"`
}
