package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/c66w/business-cooperation-sub000/db"
)

// Publisher delivers one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Store claims and settles pending messages.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, cause string, dead bool) error
}

// Relay drains pending messages in batches. Each batch runs in one
// transaction holding row locks, so several relays can run side by side.
type Relay struct {
	pool        db.TxBeginner
	store       Store
	publisher   Publisher
	logger      *zap.Logger
	batchSize   int
	maxAttempts int
}

func NewRelay(pool db.TxBeginner, store Store, publisher Publisher) *Relay {
	return &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		logger:      zap.NewNop(),
		batchSize:   100,
		maxAttempts: 5,
	}
}

func (r *Relay) WithLogger(logger *zap.Logger) *Relay {
	if logger != nil {
		r.logger = logger
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// DrainOnce publishes one batch and returns how many messages were delivered.
// A failed publish is recorded on the message and does not abort the batch;
// after maxAttempts the message is parked as dead.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			dead := msg.Attempts+1 >= r.maxAttempts
			r.logger.Warn("outbox publish failed",
				zap.String("id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Int("attempt", msg.Attempts+1),
				zap.Bool("dead", dead),
				zap.Error(err),
			)
			if err := r.store.MarkFailed(ctx, tx, msg.ID, err.Error(), dead); err != nil {
				return 0, err
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
			return 0, err
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return delivered, nil
}

// Run drains until ctx is cancelled, sleeping interval between empty batches.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.DrainOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			r.logger.Error("outbox drain failed", zap.Error(err))
		}
		if n >= r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
