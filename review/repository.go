package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/db"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, task Task) (Task, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, taskID string) (Task, error)
	SetAssignee(ctx context.Context, tx pgx.Tx, taskID, reviewerID string) error
	UpdateStatus(ctx context.Context, tx pgx.Tx, update StatusUpdate) error
	Get(ctx context.Context, taskID string) (Task, error)
	ListForReviewer(ctx context.Context, reviewerID string, status Status) ([]Task, error)
	ListForApplication(ctx context.Context, applicationID string) ([]Task, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Task, error)
}

type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const taskColumns = `task_id::text, application_id, task_type, assigned_to, priority, status,
       COALESCE(decision, ''), COALESCE(comment, ''), created_at, updated_at, accepted_at, completed_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, task Task) (Task, error) {
	q := `
INSERT INTO review_tasks (task_id, application_id, task_type, assigned_to, priority, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + taskColumns

	created, err := scanTask(tx.QueryRow(ctx, q,
		task.ID,
		task.ApplicationID,
		task.TaskType,
		task.AssignedTo,
		task.Priority,
		task.Status,
	))
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return Task{}, apperr.NotFound("application", task.ApplicationID)
		}
		return Task{}, fmt.Errorf("review: insert task: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, taskID string) (Task, error) {
	q := `SELECT ` + taskColumns + ` FROM review_tasks WHERE task_id = $1 FOR UPDATE`
	task, err := scanTask(tx.QueryRow(ctx, q, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, apperr.NotFound("task", taskID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("review: lock task: %w", err)
	}
	return task, nil
}

func (r *PGRepository) SetAssignee(ctx context.Context, tx pgx.Tx, taskID, reviewerID string) error {
	tag, err := tx.Exec(ctx, `UPDATE review_tasks SET assigned_to = $2, updated_at = now() WHERE task_id = $1`, taskID, reviewerID)
	if err != nil {
		return fmt.Errorf("review: set assignee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("task", taskID)
	}
	return nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, u StatusUpdate) error {
	const q = `
UPDATE review_tasks
SET status = $2,
    decision = COALESCE(NULLIF($3, ''), decision),
    comment = COALESCE(NULLIF($4, ''), comment),
    accepted_at = COALESCE($5, accepted_at),
    completed_at = COALESCE($6, completed_at),
    updated_at = now()
WHERE task_id = $1
`
	tag, err := tx.Exec(ctx, q, u.TaskID, u.Status, string(u.Decision), u.Comment, u.AcceptedAt, u.CompletedAt)
	if err != nil {
		return fmt.Errorf("review: update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("task", u.TaskID)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, taskID string) (Task, error) {
	q := `SELECT ` + taskColumns + ` FROM review_tasks WHERE task_id = $1`
	task, err := scanTask(r.pool.QueryRow(ctx, q, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, apperr.NotFound("task", taskID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("review: get task: %w", err)
	}
	return task, nil
}

func (r *PGRepository) ListForReviewer(ctx context.Context, reviewerID string, status Status) ([]Task, error) {
	q := `SELECT ` + taskColumns + `
FROM review_tasks
WHERE assigned_to = $1 AND ($2 = '' OR status = $2)
ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at ASC`
	return r.list(ctx, q, reviewerID, string(status))
}

func (r *PGRepository) ListForApplication(ctx context.Context, applicationID string) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM review_tasks WHERE application_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, q, applicationID)
}

func (r *PGRepository) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM review_tasks WHERE status = 'pending' AND created_at < $1 ORDER BY created_at ASC`
	return r.list(ctx, q, cutoff)
}

func (r *PGRepository) list(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("review: list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 8)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("review: scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate tasks: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(
		&t.ID,
		&t.ApplicationID,
		&t.TaskType,
		&t.AssignedTo,
		&t.Priority,
		&t.Status,
		&t.Decision,
		&t.Comment,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.AcceptedAt,
		&t.CompletedAt,
	)
	return t, err
}
