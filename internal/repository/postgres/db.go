// Package postgres implements the repository contracts on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kirinyoku/tix-bus/internal/repository"
)

// DB is the subset of pgx shared by the pool and a transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Store struct {
	pool *pgxpool.Pool
	opts pgx.TxOptions
}

var _ repository.Store = (*Store)(nil)

// NewStore returns a store whose transactions run at READ COMMITTED. Seat
// exclusivity rests on the partial unique index and conditional updates, not
// on serializable snapshots.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		opts: pgx.TxOptions{
			IsoLevel:   pgx.ReadCommitted,
			AccessMode: pgx.ReadWrite,
		},
	}
}

type txKey struct{}

// WithTx runs fn in a transaction. Nested calls join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	return s.RunTx(ctx, nil, func(ctx context.Context, tx DB) error {
		return fn(ctx)
	})
}

// RunTx runs fn inside a transaction opened with opts, or with the store
// defaults when opts is nil.
func (s *Store) RunTx(
	ctx context.Context,
	opts *pgx.TxOptions,
	fn func(ctx context.Context, tx DB) error,
) error {
	txOpts := s.opts
	if opts != nil {
		txOpts = *opts
	}

	tx, err := s.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return translateDBErr(err)
	}

	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", translateDBErr(err))
	}

	return nil
}

// handle returns the transaction carried by ctx, or the pool.
func (s *Store) handle(ctx context.Context) DB {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func (s *Store) Departures() repository.DepartureRepository     { return &DepartureRepo{s} }
func (s *Store) Reservations() repository.ReservationRepository { return &ReservationRepo{s} }
func (s *Store) Carts() repository.CartRepository               { return &CartRepo{s} }
func (s *Store) Payments() repository.PaymentRepository         { return &PaymentRepo{s} }
func (s *Store) Tickets() repository.TicketRepository           { return &TicketRepo{s} }
