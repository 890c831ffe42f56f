package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PGStore is the Postgres Store.
type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const q = `
SELECT id::text, topic, msg_key, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	const q = `UPDATE outbox SET status = 'processed', attempts = attempts + 1, processed_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, cause string, dead bool) error {
	const q = `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $2,
    status = CASE WHEN $3 THEN 'dead' ELSE status END
WHERE id = $1
`
	if _, err := tx.Exec(ctx, q, id, cause, dead); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
