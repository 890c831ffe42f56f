// Package audit keeps the append-only history of every application and task
// transition. Writes always join the caller's transaction so an entry commits
// or rolls back together with the change it describes.
package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/c66w/business-cooperation-sub000/db"
)

// Repository reads and appends history rows. It has no update or delete path.
type Repository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

// Record appends entry inside tx.
func (r *Repository) Record(ctx context.Context, tx pgx.Tx, entry Entry) error {
	if err := check(entry); err != nil {
		return err
	}

	const q = `
INSERT INTO history (application_id, task_id, subject, action, actor_type, actor_id, from_status, to_status, comment)
VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8, $9)
`
	if _, err := tx.Exec(ctx, q,
		entry.ApplicationID,
		db.NullableString(entry.TaskID),
		entry.Subject,
		entry.Action,
		entry.ActorType,
		entry.ActorID,
		db.NullableString(entry.FromStatus),
		db.NullableString(entry.ToStatus),
		entry.Comment,
	); err != nil {
		return fmt.Errorf("audit: insert history: %w", err)
	}
	return nil
}

// ListFor returns every entry of an application ordered by timestamp ascending.
func (r *Repository) ListFor(ctx context.Context, applicationID string) ([]Entry, error) {
	const q = `
SELECT id, application_id, COALESCE(task_id::text, ''), subject, action, actor_type, actor_id,
       COALESCE(from_status, ''), COALESCE(to_status, ''), comment, created_at
FROM history
WHERE application_id = $1
ORDER BY created_at ASC, id ASC
`
	rows, err := r.pool.Query(ctx, q, applicationID)
	if err != nil {
		return nil, fmt.Errorf("audit: list history: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ApplicationID, &e.TaskID, &e.Subject, &e.Action, &e.ActorType, &e.ActorID,
			&e.FromStatus, &e.ToStatus, &e.Comment, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate history: %w", err)
	}
	return out, nil
}

func check(entry Entry) error {
	if entry.ApplicationID == "" {
		return fmt.Errorf("audit: missing application id")
	}
	if !validAction(entry.Action) {
		return fmt.Errorf("audit: unknown action %q", entry.Action)
	}
	if !validActorType(entry.ActorType) {
		return fmt.Errorf("audit: unknown actor type %q", entry.ActorType)
	}
	if entry.Subject != SubjectApplication && entry.Subject != SubjectTask {
		return fmt.Errorf("audit: unknown subject %q", entry.Subject)
	}
	if entry.Subject == SubjectTask && entry.TaskID == "" {
		return fmt.Errorf("audit: task entry without task id")
	}
	return nil
}
