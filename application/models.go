package application

import (
	"time"

	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/transition"
)

type MerchantType string

const (
	MerchantFactory  MerchantType = "factory"
	MerchantBrand    MerchantType = "brand"
	MerchantAgent    MerchantType = "agent"
	MerchantDealer   MerchantType = "dealer"
	MerchantOperator MerchantType = "operator"
)

type Status string

const (
	StatusDraft            Status = transition.AppDraft
	StatusSubmitted        Status = transition.AppSubmitted
	StatusUnderReview      Status = transition.AppUnderReview
	StatusApproved         Status = transition.AppApproved
	StatusRejected         Status = transition.AppRejected
	StatusChangesRequested Status = transition.AppChangesRequested
)

// Application is one merchant cooperation submission with its dynamic fields
// and document references.
type Application struct {
	ApplicationID   string
	UserID          string
	CompanyName     string
	MerchantType    MerchantType
	ContactName     string
	ContactPhone    string
	Fields          map[string]string
	Documents       []Document
	Status          Status
	ValidationScore *int
	SubmittedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Document references bytes kept in object storage.
type Document struct {
	DocumentID   string
	DocumentType string
	FileName     string
	ContentType  string
	Size         int64
	StorageKey   string
	URL          string
}

// DocumentUpload carries document bytes submitted with an application.
type DocumentUpload struct {
	DocumentType string
	FileName     string
	ContentType  string
	Content      []byte
}

type SubmitParams struct {
	UserID       string
	CompanyName  string
	MerchantType MerchantType
	ContactName  string
	ContactPhone string
	Fields       map[string]string
	Documents    []DocumentUpload
	Actor        audit.Actor
}

type UpdateStatusParams struct {
	ApplicationID string
	To            Status
	Actor         audit.Actor
	Comment       string
	TaskID        string
	// Action overrides the history action derived from To.
	Action audit.Action
}

type ResubmitParams struct {
	ApplicationID string
	UserID        string
	CompanyName   string
	ContactName   string
	ContactPhone  string
	Fields        map[string]string
	Documents     []DocumentUpload
	Comment       string
}

// StatusView is the externally visible status summary.
type StatusView struct {
	Status      Status
	StatusText  string
	SubmittedAt *time.Time
}

type Filters struct {
	UserID   string
	Status   Status
	Page     int
	PageSize int
}

type ListResult struct {
	Items []Application
	Total int
}

var statusText = map[Status]string{
	StatusDraft:            "Draft",
	StatusSubmitted:        "Submitted, waiting for review",
	StatusUnderReview:      "Under review",
	StatusApproved:         "Approved",
	StatusRejected:         "Rejected",
	StatusChangesRequested: "Changes requested",
}

// StatusText returns the human readable label for s.
func StatusText(s Status) string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return string(s)
}

// ActionFor maps a target status to the history action that records it.
func ActionFor(to Status) audit.Action {
	switch to {
	case StatusDraft:
		return audit.ActionCreated
	case StatusSubmitted:
		return audit.ActionSubmitted
	case StatusUnderReview:
		return audit.ActionReviewed
	case StatusApproved:
		return audit.ActionApproved
	case StatusRejected:
		return audit.ActionRejected
	case StatusChangesRequested:
		return audit.ActionModified
	}
	return audit.ActionModified
}
