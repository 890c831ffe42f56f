package infra

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c66w/business-cooperation-sub000/db"
	"github.com/c66w/business-cooperation-sub000/migrations"
)

// ApplyMigrations runs the embedded migrations against dsn and opens a pool.
// When isolate is true the schema lives in a per-run namespace that the
// returned teardown drops.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("coop_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
		conn.Close(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}

		base := dsn
		dsn, err = withSearchPath(dsn, schema)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, base)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
			return err
		}
	}

	if err := migrations.Up(dsn); err != nil {
		_ = cleanup(ctx)
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{
		MaxConns:        64,
		MaxConnIdleTime: 30 * time.Second,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		_ = cleanup(ctx)
		return nil, nil, err
	}
	return pool, cleanup, nil
}

// withSearchPath adds a search_path runtime parameter to a URL style DSN.
func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
