// Package db owns the Postgres pool behind the delivery ledger.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"reportd/pkg/db/migrations"
)

// DefaultTimeout bounds each statement unless Open is given another.
const DefaultTimeout = 5 * time.Second

// DB is a pgx pool whose statements carry a per-call timeout.
type DB struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Option adjusts Open.
type Option func(*DB)

// WithTimeout replaces DefaultTimeout for every statement.
func WithTimeout(d time.Duration) Option {
	return func(db *DB) {
		if d > 0 {
			db.timeout = d
		}
	}
}

// Open connects to dsn and pings once before returning.
func Open(ctx context.Context, dsn string, opts ...Option) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	// goose shares the DSN through database/sql, which needs the simple protocol.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	db := &DB{pool: pool, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(db)
	}
	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db != nil {
		db.pool.Close()
	}
}

// Migrate brings the ledger schema up to date and returns the resulting version.
func (db *DB) Migrate(ctx context.Context) (int64, error) {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, err
	}

	sqlDB, err := goose.OpenDBWithDriver("pgx", db.pool.Config().ConnConfig.ConnString())
	if err != nil {
		return 0, err
	}
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, sqlDB)
}

func (db *DB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	return db.pool.Exec(ctx, query, args...)
}

// Select scans every row into dest, a pointer to a slice of structs.
func (db *DB) Select(ctx context.Context, dest any, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	return pgxscan.Select(ctx, db.pool, dest, query, args...)
}

func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	return db.pool.Ping(ctx)
}
