package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

type PaymentRepo struct {
	s *Store
}

const attemptColumns = `id, reservation_ids, buyer_id, method, amount_cents, currency, state,
	COALESCE(provider_ref, ''), COALESCE(redirect_url, ''), idempotency_key,
	COALESCE(failure_reason, ''), metadata, created_at, updated_at, succeeded_at`

func scanAttempt(row interface{ Scan(...any) error }) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	if err := row.Scan(
		&a.ID, &a.ReservationIDs, &a.BuyerID, &a.Method, &a.AmountCents, &a.Currency, &a.State,
		&a.ProviderRef, &a.RedirectURL, &a.IdempotencyKey, &a.FailureReason, &a.Metadata,
		&a.CreatedAt, &a.UpdatedAt, &a.SucceededAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

// Create stores a new attempt.
//
// Returns:
//   - error: repository.ErrConflict if the buyer already used the
//     idempotency key.
func (r *PaymentRepo) Create(ctx context.Context, a *domain.PaymentAttempt) error {
	const op = "postgres.PaymentRepo.Create"

	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	if _, err := r.s.handle(ctx).Exec(ctx,
		`INSERT INTO payment_attempts(id, reservation_ids, buyer_id, method, amount_cents, currency,
		                              state, idempotency_key, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.ReservationIDs, a.BuyerID, a.Method, a.AmountCents, a.Currency,
		string(a.State), a.IdempotencyKey, metadata, a.CreatedAt, a.UpdatedAt,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *PaymentRepo) Get(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	const op = "postgres.PaymentRepo.Get"

	a, err := scanAttempt(r.s.handle(ctx).QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return a, nil
}

func (r *PaymentRepo) GetByIdempotencyKey(ctx context.Context, buyerID, key string) (*domain.PaymentAttempt, error) {
	const op = "postgres.PaymentRepo.GetByIdempotencyKey"

	a, err := scanAttempt(r.s.handle(ctx).QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE buyer_id = $1 AND idempotency_key = $2`,
		buyerID, key,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return a, nil
}

func (r *PaymentRepo) GetByProviderRef(ctx context.Context, method, ref string) (*domain.PaymentAttempt, error) {
	const op = "postgres.PaymentRepo.GetByProviderRef"

	a, err := scanAttempt(r.s.handle(ctx).QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE method = $1 AND provider_ref = $2`,
		method, ref,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return a, nil
}

// SetHandle records the provider reference of an open attempt and moves it
// to pending.
func (r *PaymentRepo) SetHandle(ctx context.Context, id uuid.UUID, ref, redirectURL string, now time.Time) error {
	const op = "postgres.PaymentRepo.SetHandle"

	db := r.s.handle(ctx)

	tag, err := db.Exec(ctx,
		`UPDATE payment_attempts
		 SET provider_ref = NULLIF($2, ''), redirect_url = NULLIF($3, ''),
		     state = 'pending', updated_at = $4
		 WHERE id = $1 AND state IN ('initiated', 'pending')`,
		id, ref, redirectURL, now,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return nil
}

// Transition moves an open attempt to state.
//
// Returns:
//   - bool: false when the attempt had already reached a terminal state.
//   - error: repository.ErrNotFound if the attempt does not exist.
func (r *PaymentRepo) Transition(
	ctx context.Context,
	id uuid.UUID,
	state domain.PaymentState,
	reason string,
	now time.Time,
) (bool, error) {
	const op = "postgres.PaymentRepo.Transition"

	tag, err := r.s.handle(ctx).Exec(ctx,
		`UPDATE payment_attempts
		 SET state = @state, failure_reason = NULLIF(@reason, ''), updated_at = @now,
		     succeeded_at = CASE WHEN @state = 'succeeded' THEN @now ELSE succeeded_at END
		 WHERE id = @id AND state IN ('initiated', 'pending')`,
		pgx.NamedArgs{"id": id, "state": string(state), "reason": reason, "now": now},
	)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return false, nil
}

func (r *PaymentRepo) ListOpen(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentAttempt, error) {
	const op = "postgres.PaymentRepo.ListOpen"

	rows, err := r.s.handle(ctx).Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE state IN ('initiated', 'pending') AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		updatedBefore, limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

var _ repository.PaymentRepository = (*PaymentRepo)(nil)
