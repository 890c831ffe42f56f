package infra

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database a suite runs against: a container, a local
// Postgres or a shared DSN, with migrations applied.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness boots the database. The suite is skipped when no Postgres can be
// reached, or when -short is set.
func NewHarness(ctx context.Context, t testing.TB) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("integration suite skipped in -short mode")
	}

	var (
		container *PGContainer
		dsn       string
		err       error
	)
	if os.Getenv(DSNEnv) != "" || DockerAvailable(ctx) {
		container, dsn, err = StartPostgres16(ctx, "")
	} else {
		container = &PGContainer{}
		dsn, err = InitLocalDatabase(ctx)
	}
	if err != nil {
		t.Skipf("no postgres available: %v", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, container.Shared())
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("apply migrations: %v", err)
	}
	h := &Harness{container: container, pool: pool, teardown: teardown}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset empties the mutable tables and restores the seeded default reviewer.
// TRUNCATE bypasses the row level append-only triggers.
func (h *Harness) Reset(ctx context.Context) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE TABLE history, review_tasks, application_documents,
		application_fields, applications, workflow_instances, outbox, reviewers, accounts CASCADE`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO reviewers (reviewer_id, display_name, max_concurrent_tasks, is_active)
		VALUES ('admin_001', 'Default administrator', 1000, FALSE)`); err != nil {
		return fmt.Errorf("reseed default reviewer: %w", err)
	}
	return tx.Commit(ctx)
}
