package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/review"
	"github.com/c66w/business-cooperation-sub000/test/infra"
	"github.com/c66w/business-cooperation-sub000/workflow"
)

type starter interface {
	Start(ctx context.Context, params workflow.StartParams) (workflow.Instance, error)
}

type creator interface {
	Create(ctx context.Context, params application.SubmitParams) (application.Application, error)
}

type reviews interface {
	CreateTask(ctx context.Context, params review.CreateTaskParams) (review.Task, error)
	AssignReviewer(ctx context.Context, taskID, preferred string, actor audit.Actor) (review.AssignResult, error)
	Accept(ctx context.Context, taskID, reviewerID string) (review.Task, error)
	SubmitReview(ctx context.Context, params review.SubmitReviewParams) (review.ReviewResult, error)
	Cancel(ctx context.Context, taskID string, actor audit.Actor, reason string) (review.Task, error)
	ListForReviewer(ctx context.Context, reviewerID string, status review.Status) ([]review.Task, error)
}

// contended reports errors a racing actor is expected to see: another actor
// moved the row first.
func contended(err error) bool {
	var illegal *apperr.IllegalTransitionError
	var invalid *apperr.ValidationError
	return errors.As(err, &illegal) || errors.As(err, &invalid)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Submitter keeps starting complete factory applications for userID.
func Submitter(ctx context.Context, flows starter, userID string, stop <-chan struct{}) error {
	for n := 0; !stopped(ctx, stop); n++ {
		sub := infra.FactorySubmission(userID, fmt.Sprintf("Stress Factory %s-%d", userID, n))
		if _, err := flows.Start(ctx, workflow.StartParams{Submission: sub}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("submitter %s: %w", userID, err)
		}
		pause(10, 20)
	}
	return nil
}

// Reviewer accepts and decides every pending task assigned to reviewerID.
func Reviewer(ctx context.Context, svc reviews, reviewerID string, stop <-chan struct{}) error {
	decisions := []review.Decision{review.DecisionApproved, review.DecisionRejected, review.DecisionChangesRequested}
	for !stopped(ctx, stop) {
		tasks, err := svc.ListForReviewer(ctx, reviewerID, review.StatusPending)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reviewer %s list: %w", reviewerID, err)
		}
		for _, task := range tasks {
			if _, err := svc.Accept(ctx, task.ID, reviewerID); err != nil {
				if contended(err) || ctx.Err() != nil {
					continue
				}
				return fmt.Errorf("reviewer %s accept %s: %w", reviewerID, task.ID, err)
			}
			_, err := svc.SubmitReview(ctx, review.SubmitReviewParams{
				TaskID:     task.ID,
				ReviewerID: reviewerID,
				Decision:   decisions[rand.Intn(len(decisions))],
				Comment:    "stress",
			})
			if err != nil && !contended(err) && ctx.Err() == nil {
				return fmt.Errorf("reviewer %s submit %s: %w", reviewerID, task.ID, err)
			}
		}
		pause(20, 40)
	}
	return nil
}

// Canceller cancels a random pending task now and then. It races Reviewer for
// the same rows.
func Canceller(ctx context.Context, pool *pgxpool.Pool, svc reviews, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var taskID string
		err := pool.QueryRow(ctx, `SELECT task_id::text FROM review_tasks WHERE status = 'pending' ORDER BY random() LIMIT 1`).Scan(&taskID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("canceller pick: %w", err)
		default:
			admin := audit.Actor{Type: audit.ActorAdmin, ID: "stress-admin"}
			if _, err := svc.Cancel(ctx, taskID, admin, "withdrawn"); err != nil && !contended(err) && ctx.Err() == nil {
				return fmt.Errorf("canceller %s: %w", taskID, err)
			}
		}
		pause(50, 100)
	}
	return nil
}

// Assigner creates applications and auto-assigns one task on each. Every
// assignment must succeed, falling back to the default reviewer when the pool
// is full.
func Assigner(ctx context.Context, apps creator, svc reviews, userID string, stop <-chan struct{}) error {
	for n := 0; !stopped(ctx, stop); n++ {
		app, err := apps.Create(ctx, infra.FactoryParams(userID, fmt.Sprintf("Assigned Factory %s-%d", userID, n)))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("assigner create application: %w", err)
		}
		task, err := svc.CreateTask(ctx, review.CreateTaskParams{
			ApplicationID: app.ApplicationID,
			Score:         app.ValidationScore,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("assigner create task: %w", err)
		}
		res, err := svc.AssignReviewer(ctx, task.ID, "", audit.System)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("assigner assign %s: %w", task.ID, err)
		}
		if res.ReviewerID == "" {
			return fmt.Errorf("assigner: task %s assigned to nobody", task.ID)
		}
		pause(10, 20)
	}
	return nil
}
