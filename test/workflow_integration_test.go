package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/review"
	"github.com/c66w/business-cooperation-sub000/test/infra"
	"github.com/c66w/business-cooperation-sub000/workflow"
)

func countEntries(entries []audit.Entry, subject audit.Subject, action audit.Action) int {
	n := 0
	for _, e := range entries {
		if e.Subject == subject && e.Action == action {
			n++
		}
	}
	return n
}

func TestWorkflowScenarios(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	h := infra.NewHarness(ctx, t)

	setup := func(t *testing.T) *infra.Stack {
		t.Helper()
		require.NoError(t, h.Reset(ctx))
		return infra.NewStack(h.Pool(), zaptest.NewLogger(t))
	}

	start := func(t *testing.T, stack *infra.Stack, company string) workflow.Instance {
		t.Helper()
		inst, err := stack.Workflows.Start(ctx, workflow.StartParams{Submission: infra.FactorySubmission("merchant_1", company)})
		require.NoError(t, err)
		require.Equal(t, workflow.StatusSuspended, inst.Status)
		require.NotEmpty(t, inst.ApplicationID)
		require.NotEmpty(t, inst.Data.TaskID)
		return inst
	}

	t.Run("factory submission opens an assigned pending task", func(t *testing.T) {
		stack := setup(t)
		inst := start(t, stack, "Dongguan Precision Works")

		assert.Contains(t, []workflow.Step{workflow.StepReview, workflow.StepManualReview}, inst.CurrentStep)
		assert.True(t, inst.Data.AssignmentDegraded, "no active reviewer, default expected")

		task, err := stack.Reviews.Get(ctx, inst.Data.TaskID)
		require.NoError(t, err)
		assert.Equal(t, review.StatusPending, task.Status)
		assert.Equal(t, infra.DefaultReviewer, task.Assignee())

		app, err := stack.Apps.Get(ctx, inst.ApplicationID)
		require.NoError(t, err)
		assert.Equal(t, application.StatusSubmitted, app.Status)

		entries, err := stack.History.ListFor(ctx, inst.ApplicationID)
		require.NoError(t, err)
		assert.Equal(t, 1, countEntries(entries, audit.SubjectApplication, audit.ActionCreated))
		assert.Equal(t, 1, countEntries(entries, audit.SubjectApplication, audit.ActionSubmitted))
		assert.Equal(t, 1, countEntries(entries, audit.SubjectTask, audit.ActionCreated))
		assert.Equal(t, 1, countEntries(entries, audit.SubjectTask, audit.ActionAssigned))

		assertOracles(ctx, t, h.Pool())
	})

	t.Run("approved review is final and cannot be repeated", func(t *testing.T) {
		stack := setup(t)
		inst := start(t, stack, "Foshan Ceramics")
		reviewerID := inst.Data.ReviewerID

		_, err := stack.Reviews.Accept(ctx, inst.Data.TaskID, reviewerID)
		require.NoError(t, err)
		app, err := stack.Apps.Get(ctx, inst.ApplicationID)
		require.NoError(t, err)
		require.Equal(t, application.StatusUnderReview, app.Status)

		before, err := stack.History.ListFor(ctx, inst.ApplicationID)
		require.NoError(t, err)

		res, err := stack.Reviews.SubmitReview(ctx, review.SubmitReviewParams{
			TaskID:   inst.Data.TaskID,
			Decision: review.DecisionApproved,
			Comment:  "ok",
		})
		require.NoError(t, err)
		assert.Equal(t, string(application.StatusApproved), res.ApplicationStatus)
		assert.Equal(t, review.StatusCompleted, res.Task.Status)

		after, err := stack.History.ListFor(ctx, inst.ApplicationID)
		require.NoError(t, err)
		added := after[len(before):]
		require.Len(t, added, 2)
		assert.Equal(t, 1, countEntries(added, audit.SubjectApplication, audit.ActionApproved))
		assert.Equal(t, 1, countEntries(added, audit.SubjectTask, audit.ActionReviewed))

		_, err = stack.Reviews.SubmitReview(ctx, review.SubmitReviewParams{
			TaskID:   inst.Data.TaskID,
			Decision: review.DecisionApproved,
			Comment:  "again",
		})
		var illegal *apperr.IllegalTransitionError
		require.True(t, errors.As(err, &illegal), "got %v", err)
		assert.Equal(t, "completed", illegal.From)

		done, err := stack.Workflows.Resume(ctx, inst.WorkflowID, inst.CurrentStep, workflow.Decision{})
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusCompleted, done.Status)
		assert.Equal(t, workflow.StepApproval, done.CurrentStep)
		assert.Equal(t, string(application.StatusApproved), done.Data.FinalStatus)

		assertOracles(ctx, t, h.Pool())
	})

	t.Run("changes requested loops back through modification", func(t *testing.T) {
		stack := setup(t)
		inst := start(t, stack, "Ningbo Textiles")

		inst, err := stack.Workflows.Resume(ctx, inst.WorkflowID, inst.CurrentStep, workflow.Decision{
			Decision: review.DecisionChangesRequested,
			Comment:  "add capacity evidence",
		})
		require.NoError(t, err)
		require.Equal(t, workflow.StepModification, inst.CurrentStep)
		require.Equal(t, workflow.StatusSuspended, inst.Status)

		app, err := stack.Apps.Get(ctx, inst.ApplicationID)
		require.NoError(t, err)
		require.Equal(t, application.StatusChangesRequested, app.Status)

		_, err = stack.Workflows.Resume(ctx, inst.WorkflowID, workflow.StepReview, workflow.Decision{Decision: review.DecisionApproved})
		require.ErrorIs(t, err, workflow.ErrInvalidStepTransition)

		incomplete := infra.FactorySubmission("merchant_1", "Ningbo Textiles")
		delete(incomplete.Fields, "factory_address")
		foreign := infra.FactorySubmission("merchant_2", "Ningbo Textiles")
		for _, sub := range []workflow.Submission{incomplete, foreign} {
			_, err = stack.Workflows.Resume(ctx, inst.WorkflowID, workflow.StepModification, workflow.Decision{Submission: &sub})
			require.True(t, apperr.IsValidation(err), "got %v", err)

			stored, err := stack.Workflows.Get(ctx, inst.WorkflowID)
			require.NoError(t, err)
			require.Equal(t, workflow.StatusSuspended, stored.Status)
			require.Equal(t, workflow.StepModification, stored.CurrentStep)
		}

		revised := infra.FactorySubmission("merchant_1", "Ningbo Textiles Ltd")
		revised.Fields["certifications"] = "ISO 9001"
		inst, err = stack.Workflows.Resume(ctx, inst.WorkflowID, workflow.StepModification, workflow.Decision{Submission: &revised})
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusSuspended, inst.Status)
		assert.Equal(t, 1, inst.Data.Rounds)

		app, err = stack.Apps.Get(ctx, inst.ApplicationID)
		require.NoError(t, err)
		assert.Equal(t, application.StatusSubmitted, app.Status)
		assert.Equal(t, "Ningbo Textiles Ltd", app.CompanyName)

		tasks, err := stack.Reviews.ListForApplication(ctx, inst.ApplicationID)
		require.NoError(t, err)
		assert.Len(t, tasks, 2)

		entries, err := stack.History.ListFor(ctx, inst.ApplicationID)
		require.NoError(t, err)
		// changes_requested and the resubmission both record modified.
		assert.Equal(t, 2, countEntries(entries, audit.SubjectApplication, audit.ActionModified))

		assertOracles(ctx, t, h.Pool())
	})

	t.Run("history rejects updates and deletes", func(t *testing.T) {
		stack := setup(t)
		inst := start(t, stack, "Xiamen Electronics")

		_, err := h.Pool().Exec(ctx, `UPDATE history SET comment = 'tampered' WHERE application_id = $1`, inst.ApplicationID)
		require.Error(t, err)
		_, err = h.Pool().Exec(ctx, `DELETE FROM history WHERE application_id = $1`, inst.ApplicationID)
		require.Error(t, err)
		_, err = h.Pool().Exec(ctx, `DELETE FROM applications WHERE application_id = $1`, inst.ApplicationID)
		require.Error(t, err)
	})
}
