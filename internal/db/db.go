// Package db opens pooled PostgreSQL connections and maintains the pgsync
// bookkeeping schema used by the durable stores.
package db

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a connection pool. Pools are created per job, owned by whoever
// opened them, and must be closed on every exit path.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to a database and verifies the connection with a ping.
// It never touches the schema, so it is safe for source and target
// databases alike.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{
		Pool:   pool,
		logger: logger.With().Str("component", "db").Logger(),
	}, nil
}

// OpenPair opens source and target concurrently. On any failure both pools
// are closed and the first error wins.
func OpenPair(ctx context.Context, sourceURL, targetURL string, logger zerolog.Logger) (*DB, *DB, error) {
	type result struct {
		db  *DB
		err error
	}
	srcCh := make(chan result, 1)
	tgtCh := make(chan result, 1)

	go func() {
		d, err := Open(ctx, sourceURL, logger)
		srcCh <- result{d, err}
	}()
	go func() {
		d, err := Open(ctx, targetURL, logger)
		tgtCh <- result{d, err}
	}()

	src, tgt := <-srcCh, <-tgtCh
	if src.err != nil || tgt.err != nil {
		if src.db != nil {
			src.db.Close()
		}
		if tgt.db != nil {
			tgt.db.Close()
		}
		if src.err != nil {
			return nil, nil, fmt.Errorf("open source: %w", src.err)
		}
		return nil, nil, fmt.Errorf("open target: %w", tgt.err)
	}
	return src.db, tgt.db, nil
}

// OpenStore connects to the bookkeeping database and brings the pgsync
// schema up to date.
func OpenStore(ctx context.Context, url string, logger zerolog.Logger) (*DB, error) {
	d, err := Open(ctx, url, logger)
	if err != nil {
		return nil, err
	}
	if err := d.migrate(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return d, nil
}

func (d *DB) Close() {
	d.Pool.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS pgsync;
		CREATE TABLE IF NOT EXISTS pgsync.schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		version := strings.TrimSuffix(name, ".sql")

		var exists bool
		err := d.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM pgsync.schema_migrations WHERE version = $1)", version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		sql, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := d.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO pgsync.schema_migrations (version) VALUES ($1)", version,
		); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}

		d.logger.Info().Str("migration", name).Msg("applied migration")
	}

	return nil
}
