package infra

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/outbox"
	"github.com/c66w/business-cooperation-sub000/review"
	"github.com/c66w/business-cooperation-sub000/reviewer"
	"github.com/c66w/business-cooperation-sub000/workflow"
)

// DefaultReviewer is the fallback seeded by the migrations.
const DefaultReviewer = "admin_001"

// Stack is the service graph the API wires, built over a test pool. Documents
// are not uploaded; suites submit without attachments.
type Stack struct {
	Apps      *application.Service
	Reviews   *review.Service
	Reviewers *reviewer.Service
	History   *audit.Repository
	Workflows *workflow.Orchestrator
}

func NewStack(pool *pgxpool.Pool, logger *zap.Logger) *Stack {
	if logger == nil {
		logger = zap.NewNop()
	}
	history := audit.NewRepository(pool)
	out := outbox.NewWriter()
	reviewerRepo := reviewer.NewRepository(pool)

	apps := application.NewService(pool, application.NewRepository(pool), history, out).
		WithLogger(logger)
	reviews := review.NewService(pool, review.NewRepository(pool), reviewerRepo, apps, history).
		WithOutbox(out).
		WithDefaultReviewer(DefaultReviewer).
		WithLogger(logger)
	flows := workflow.NewOrchestrator(workflow.NewPGStore(pool), apps, reviews).
		WithLogger(logger).
		WithObservers(workflow.NewLogObserver(logger))

	return &Stack{
		Apps:      apps,
		Reviews:   reviews,
		Reviewers: reviewer.NewService(reviewerRepo),
		History:   history,
		Workflows: flows,
	}
}

// FactorySubmission is a complete factory application for userID.
func FactorySubmission(userID, company string) workflow.Submission {
	return workflow.Submission{
		UserID:       userID,
		CompanyName:  company,
		MerchantType: application.MerchantFactory,
		ContactName:  "Li Wei",
		ContactPhone: "+86 138 0013 8000",
		Fields: map[string]string{
			"factory_address":     "88 Industrial Road, Dongguan",
			"production_capacity": "20000 units/month",
		},
	}
}

// FactoryParams is FactorySubmission as direct application input.
func FactoryParams(userID, company string) application.SubmitParams {
	sub := FactorySubmission(userID, company)
	return application.SubmitParams{
		UserID:       sub.UserID,
		CompanyName:  sub.CompanyName,
		MerchantType: sub.MerchantType,
		ContactName:  sub.ContactName,
		ContactPhone: sub.ContactPhone,
		Fields:       sub.Fields,
	}
}
