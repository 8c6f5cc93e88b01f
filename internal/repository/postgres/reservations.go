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

type ReservationRepo struct {
	s *Store
}

const reservationColumns = `id, code, departure_id, seat_number, buyer_id, buyer_name, buyer_contact,
	amount_cents, currency, state, cart_id, created_at, expires_at, confirmed_at, released_at,
	active_attempt_id, attempt_lock_until, confirmed_attempt_id`

// unlocked is the negation of domain.Reservation.PaymentLocked; @now must be bound.
const unlocked = `(active_attempt_id IS NULL OR attempt_lock_until IS NULL OR attempt_lock_until <= @now)`

// expirable mirrors domain.Reservation.Expirable; @now must be bound.
const expirable = `state = 'pending' AND expires_at <= @now AND ` + unlocked

func scanReservation(row interface{ Scan(...any) error }) (*domain.Reservation, error) {
	var r domain.Reservation
	if err := row.Scan(
		&r.ID, &r.Code, &r.DepartureID, &r.SeatNumber, &r.Buyer.ID, &r.Buyer.Name, &r.Buyer.Contact,
		&r.AmountCents, &r.Currency, &r.State, &r.CartID, &r.CreatedAt, &r.ExpiresAt, &r.ConfirmedAt,
		&r.ReleasedAt, &r.ActiveAttemptID, &r.AttemptLockUntil, &r.ConfirmedAttemptID,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectReservations(rows pgx.Rows) ([]domain.Reservation, error) {
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}

	return out, rows.Err()
}

// Insert stores a new reservation.
//
// Returns:
//   - error: repository.ErrConflict if another active reservation already
//     claims the (departure, seat) pair (uq_reservations_active_seat).
func (r *ReservationRepo) Insert(ctx context.Context, res *domain.Reservation) error {
	const op = "postgres.ReservationRepo.Insert"

	_, err := r.s.handle(ctx).Exec(ctx,
		`INSERT INTO reservations(id, code, departure_id, seat_number, buyer_id, buyer_name, buyer_contact,
		                          amount_cents, currency, state, cart_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		res.ID, res.Code, res.DepartureID, res.SeatNumber, res.Buyer.ID, res.Buyer.Name, res.Buyer.Contact,
		res.AmountCents, res.Currency, string(res.State), res.CartID, res.CreatedAt, res.ExpiresAt,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *ReservationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.Get"

	res, err := scanReservation(r.s.handle(ctx).QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return res, nil
}

func (r *ReservationRepo) GetMany(ctx context.Context, ids []uuid.UUID) ([]domain.Reservation, error) {
	const op = "postgres.ReservationRepo.GetMany"

	rows, err := r.s.handle(ctx).Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE id = ANY($1)
		 ORDER BY array_position($1, id)`,
		ids,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collectReservations(rows)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *ReservationRepo) ListByCart(ctx context.Context, cartID uuid.UUID) ([]domain.Reservation, error) {
	const op = "postgres.ReservationRepo.ListByCart"

	rows, err := r.s.handle(ctx).Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE cart_id = $1
		 ORDER BY created_at, seat_number`,
		cartID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collectReservations(rows)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *ReservationRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	const op = "postgres.ReservationRepo.ListExpirable"

	rows, err := r.s.handle(ctx).Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE `+expirable+`
		 ORDER BY expires_at
		 LIMIT @limit`,
		pgx.NamedArgs{"now": now, "limit": limit},
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collectReservations(rows)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// ExpireSeatIfStale frees the seat from a stale claim ahead of a new hold.
func (r *ReservationRepo) ExpireSeatIfStale(
	ctx context.Context,
	departureID int64,
	seat int,
	now time.Time,
) (bool, error) {
	const op = "postgres.ReservationRepo.ExpireSeatIfStale"

	tag, err := r.s.handle(ctx).Exec(ctx,
		`UPDATE reservations
		 SET state = 'expired', expires_at = NULL, released_at = @now,
		     active_attempt_id = NULL, attempt_lock_until = NULL
		 WHERE departure_id = @departure AND seat_number = @seat AND `+expirable,
		pgx.NamedArgs{"departure": departureID, "seat": seat, "now": now},
	)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	return tag.RowsAffected() == 1, nil
}

// Release moves a pending reservation to expired or cancelled. A reservation
// held by a live payment lock is never released.
//
// Returns:
//   - bool: false when the reservation was no longer releasable.
//   - error: repository.ErrNotFound if the reservation does not exist.
func (r *ReservationRepo) Release(
	ctx context.Context,
	id uuid.UUID,
	to domain.ReservationState,
	now time.Time,
) (bool, error) {
	const op = "postgres.ReservationRepo.Release"

	if to != domain.StateExpired && to != domain.StateCancelled {
		return false, fmt.Errorf("%s: %w: release to %q", op, domain.ErrInvalidState, to)
	}

	cond := `state = 'pending' AND ` + unlocked
	if to == domain.StateExpired {
		cond = expirable
	}

	db := r.s.handle(ctx)

	tag, err := db.Exec(ctx,
		`UPDATE reservations
		 SET state = @to, expires_at = NULL, released_at = @now,
		     active_attempt_id = NULL, attempt_lock_until = NULL
		 WHERE id = @id AND `+cond,
		pgx.NamedArgs{"id": id, "to": string(to), "now": now},
	)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, wrapDBErr(op, err)
	}
	if !exists {
		return false, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return false, nil
}

func (r *ReservationRepo) ExtendCart(ctx context.Context, cartID uuid.UUID, expiresAt, now time.Time) (int64, error) {
	const op = "postgres.ReservationRepo.ExtendCart"

	tag, err := r.s.handle(ctx).Exec(ctx,
		`UPDATE reservations
		 SET expires_at = $2
		 WHERE cart_id = $1 AND state = 'pending' AND expires_at > $3`,
		cartID, expiresAt, now,
	)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	return tag.RowsAffected(), nil
}

// ClaimForPayment places the payment advisory lock on every listed
// reservation that is the buyer's, live, and not locked by another attempt.
// Callers compare the count with len(ids) and roll back on a shortfall.
func (r *ReservationRepo) ClaimForPayment(
	ctx context.Context,
	ids []uuid.UUID,
	buyerID string,
	attemptID uuid.UUID,
	lockUntil, now time.Time,
) (int64, error) {
	const op = "postgres.ReservationRepo.ClaimForPayment"

	tag, err := r.s.handle(ctx).Exec(ctx,
		`UPDATE reservations
		 SET active_attempt_id = @attempt, attempt_lock_until = @until
		 WHERE id = ANY(@ids)
		   AND buyer_id = @buyer
		   AND state = 'pending'
		   AND expires_at > @now
		   AND (active_attempt_id IS NULL OR attempt_lock_until IS NULL OR attempt_lock_until <= @now)`,
		pgx.NamedArgs{"ids": ids, "buyer": buyerID, "attempt": attemptID, "until": lockUntil, "now": now},
	)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	return tag.RowsAffected(), nil
}

func (r *ReservationRepo) ReleasePaymentClaim(ctx context.Context, attemptID uuid.UUID) error {
	const op = "postgres.ReservationRepo.ReleasePaymentClaim"

	if _, err := r.s.handle(ctx).Exec(ctx,
		`UPDATE reservations
		 SET active_attempt_id = NULL, attempt_lock_until = NULL
		 WHERE active_attempt_id = $1`,
		attemptID,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

// Confirm moves the listed pending reservations to confirmed and returns how
// many moved. Already confirmed rows are left untouched.
func (r *ReservationRepo) Confirm(ctx context.Context, ids []uuid.UUID, attemptID uuid.UUID, now time.Time) (int64, error) {
	const op = "postgres.ReservationRepo.Confirm"

	tag, err := r.s.handle(ctx).Exec(ctx,
		`UPDATE reservations
		 SET state = 'confirmed', confirmed_at = $3, confirmed_attempt_id = $2,
		     expires_at = NULL, active_attempt_id = NULL, attempt_lock_until = NULL
		 WHERE id = ANY($1) AND state = 'pending'`,
		ids, attemptID, now,
	)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	return tag.RowsAffected(), nil
}
