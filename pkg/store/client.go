// Package store provides the pooled PostgreSQL gateway, schema migrations,
// error taxonomy, and the asynchronous operation log that every fabric
// component persists through.
package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

// Retry policy for transient faults: up to 3 attempts with exponential
// backoff between 4s and 10s.
const (
	retryAttempts     = 3
	retryInitialDelay = 4 * time.Second
	retryMaxDelay     = 10 * time.Second
)

// Gateway owns the shared connection pool and exposes the parameterized
// execution primitives all components use. Transient faults are retried;
// non-transient faults surface immediately as *Error.
type Gateway struct {
	db  *stdsql.DB
	cfg Config
	ops *OpLogger
}

// NewGateway opens the pool, verifies connectivity, applies pending
// migrations, and starts the operation log drainer.
func NewGateway(ctx context.Context, cfg Config) (*Gateway, error) {
	cfg = cfg.withDefaults()
	dsn := cfg.DSN()

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, NewError(KindFatal, "store.open", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, NewError(KindFatal, "store.ping", err)
	}

	if err := MigrateUp(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, NewError(KindFatal, "store.migrate", err)
	}

	g := &Gateway{db: db, cfg: cfg}
	g.ops = newOpLogger(db)
	g.ops.start()

	slog.Info("Store gateway initialized",
		"pool_name", cfg.PoolName,
		"pool_size", cfg.PoolSize,
		"database", cfg.Database)
	return g, nil
}

// NewGatewayFromDB wraps an existing connection (useful for testing).
// Migrations are assumed already applied.
func NewGatewayFromDB(db *stdsql.DB, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{db: db, cfg: cfg}
	g.ops = newOpLogger(db)
	g.ops.start()
	return g
}

// DB returns the underlying pool for transactions and health checks.
func (g *Gateway) DB() *stdsql.DB { return g.db }

// Ops returns the operation logger shared by all components.
func (g *Gateway) Ops() *OpLogger { return g.ops }

// PoolName returns the label used in health reports.
func (g *Gateway) PoolName() string { return g.cfg.PoolName }

// PoolSize returns the configured pool ceiling.
func (g *Gateway) PoolSize() int { return g.cfg.PoolSize }

// Close drains the operation log and closes the pool.
func (g *Gateway) Close() error {
	g.ops.stop()
	return g.db.Close()
}

// Exec runs a statement and returns the affected-row count from the same
// statement. Transient faults are retried; every attempt's terminal outcome
// is recorded on the operation log.
func (g *Gateway) Exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	var affected int64
	start := time.Now()
	err := g.retry(ctx, func() error {
		res, err := g.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	g.ops.Record(ctx, OpEntry{
		Agent:    "system",
		OpType:   op,
		OpData:   map[string]any{"rows_affected": affected},
		Duration: time.Since(start),
		Success:  err == nil,
		Err:      err,
	})
	if err != nil {
		return 0, classify(op, err)
	}
	return affected, nil
}

// Query runs a row-returning statement with transient retry. The caller
// owns the returned rows.
func (g *Gateway) Query(ctx context.Context, op, query string, args ...any) (*stdsql.Rows, error) {
	var rows *stdsql.Rows
	err := g.retry(ctx, func() error {
		var err error
		rows, err = g.db.QueryContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return rows, nil
}

// QueryRow runs a single-row query. Scan-time errors (including
// sql.ErrNoRows) are the caller's to map; use classify via Row helpers
// where a miss is exceptional.
func (g *Gateway) QueryRow(ctx context.Context, query string, args ...any) *stdsql.Row {
	return g.db.QueryRowContext(ctx, query, args...)
}

// Begin opens a transaction on the shared pool.
func (g *Gateway) Begin(ctx context.Context) (*stdsql.Tx, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("store.begin", err)
	}
	return tx, nil
}

// retry runs fn, retrying transient faults with capped exponential backoff.
// Non-transient faults abort immediately.
func (g *Gateway) retry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialDelay
	bo.MaxInterval = retryMaxDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			slog.Warn("Transient store fault, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// Probe issues the trivial health query and reports round-trip time.
func (g *Gateway) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var one int
	if err := g.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return time.Since(start), classify("store.probe", err)
	}
	if one != 1 {
		return time.Since(start), NewError(KindFatal, "store.probe", fmt.Errorf("unexpected probe result %d", one))
	}
	return time.Since(start), nil
}
