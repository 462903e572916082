// Package store provides the data access layer for the background_jobs
// table. Every operation runs over a Querier so the worker can keep the claim,
// the handler outcome and the commit inside one pgx native transaction.
//
// The connection pool is consumed through the small Pool/Conn interfaces;
// production wraps *pgxpool.Pool in a Store.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by pgx.Tx, *pgxpool.Conn and
// *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn is a connection checked out of a Pool. Release must be called exactly
// once when the caller is done with it.
type Conn interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
}

// Pool hands out connections. It is shared by every worker; callers never
// own it.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// Store is the central data access object backed by a pgxpool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations directly (tests, admin commands).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Acquire checks a connection out of the pool.
func (s *Store) Acquire(ctx context.Context) (Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// WithTx runs fn inside a pgx native transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
