package reviewer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/db"
)

// Repository provides access to the reviewer pool.
type Repository struct {
	pool db.Querier
}

// NewRepository wires a pgx-backed repository implementation.
func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a reviewer by id.
func (r *Repository) GetByID(ctx context.Context, id string) (Reviewer, error) {
	const query = `
		SELECT reviewer_id, display_name, max_concurrent_tasks, is_active, created_at
		FROM reviewers
		WHERE reviewer_id = $1
	`

	var rv Reviewer
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rv.ID,
		&rv.DisplayName,
		&rv.MaxConcurrentTasks,
		&rv.IsActive,
		&rv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reviewer{}, apperr.NotFound("reviewer", id)
		}
		return Reviewer{}, fmt.Errorf("reviewer: query by id: %w", err)
	}

	return rv, nil
}

// List fetches up to limit reviewers ordered by id.
func (r *Repository) List(ctx context.Context, limit int) ([]Reviewer, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	const query = `
		SELECT reviewer_id, display_name, max_concurrent_tasks, is_active, created_at
		FROM reviewers
		ORDER BY reviewer_id ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("reviewer: list: %w", err)
	}
	defer rows.Close()

	out := make([]Reviewer, 0, 16)
	for rows.Next() {
		var rv Reviewer
		if err := rows.Scan(&rv.ID, &rv.DisplayName, &rv.MaxConcurrentTasks, &rv.IsActive, &rv.CreatedAt); err != nil {
			return nil, fmt.Errorf("reviewer: scan reviewer: %w", err)
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reviewer: iterate reviewers: %w", err)
	}

	return out, nil
}

// Loads returns every active reviewer with the count of their in_progress
// tasks. q may be an open transaction; nil reads through the pool. No row is
// locked, so concurrent assigners can see the same counts.
func (r *Repository) Loads(ctx context.Context, q db.Querier) ([]Load, error) {
	if q == nil {
		q = r.pool
	}

	const query = `
		SELECT r.reviewer_id, r.max_concurrent_tasks, r.is_active, COUNT(t.task_id)
		FROM reviewers r
		LEFT JOIN review_tasks t
		       ON t.assigned_to = r.reviewer_id AND t.status = 'in_progress'
		WHERE r.is_active
		GROUP BY r.reviewer_id, r.max_concurrent_tasks, r.is_active
		ORDER BY r.reviewer_id ASC
	`

	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reviewer: load counts: %w", err)
	}
	defer rows.Close()

	var out []Load
	for rows.Next() {
		var (
			l     Load
			count int64
		)
		if err := rows.Scan(&l.ReviewerID, &l.MaxConcurrentTasks, &l.IsActive, &count); err != nil {
			return nil, fmt.Errorf("reviewer: scan load: %w", err)
		}
		l.InProgress = int(count)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reviewer: iterate loads: %w", err)
	}
	return out, nil
}

// Upsert inserts or updates a reviewer.
func (r *Repository) Upsert(ctx context.Context, rv Reviewer) (Reviewer, error) {
	const query = `
		INSERT INTO reviewers (reviewer_id, display_name, max_concurrent_tasks, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reviewer_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
		    is_active = EXCLUDED.is_active
		RETURNING reviewer_id, display_name, max_concurrent_tasks, is_active, created_at
	`

	var out Reviewer
	err := r.pool.QueryRow(ctx, query, rv.ID, rv.DisplayName, rv.MaxConcurrentTasks, rv.IsActive).Scan(
		&out.ID,
		&out.DisplayName,
		&out.MaxConcurrentTasks,
		&out.IsActive,
		&out.CreatedAt,
	)
	if err != nil {
		return Reviewer{}, fmt.Errorf("reviewer: upsert: %w", err)
	}
	return out, nil
}

// SetActive toggles a reviewer's eligibility for auto-assignment.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE reviewers SET is_active = $2 WHERE reviewer_id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("reviewer: set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("reviewer", id)
	}
	return nil
}
