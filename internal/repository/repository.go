package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-bus/internal/domain"
)

// Transactor runs fn in one storage transaction. Repository calls made with
// the ctx passed to fn join that transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Store interface {
	Transactor
	Departures() DepartureRepository
	Reservations() ReservationRepository
	Carts() CartRepository
	Payments() PaymentRepository
	Tickets() TicketRepository
}

type DepartureRepository interface {
	Get(ctx context.Context, id int64) (*domain.Departure, error)
	// Upsert replaces the catalog fields of a departure and recomputes its
	// available-seats counter from the active claims.
	Upsert(ctx context.Context, d domain.Departure) (*domain.Departure, error)
	// TakeSeat decrements the counter, failing with ErrSeatsUnavailable at zero.
	TakeSeat(ctx context.Context, id int64) error
	ReturnSeats(ctx context.Context, id int64, n int) error
	Availability(ctx context.Context, id int64) (*domain.Availability, error)
}

type ReservationRepository interface {
	// Insert stores a pending reservation. A second active claim on the same
	// (departure, seat) pair fails with ErrConflict.
	Insert(ctx context.Context, r *domain.Reservation) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]domain.Reservation, error)
	ListByCart(ctx context.Context, cartID uuid.UUID) ([]domain.Reservation, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	// ExpireSeatIfStale expires the stale pending claim on a seat, if any.
	ExpireSeatIfStale(ctx context.Context, departureID int64, seat int, now time.Time) (bool, error)
	// Release moves a pending reservation to expired or cancelled. Expiry is
	// additionally conditioned on the hold being stale and not payment-locked.
	Release(ctx context.Context, id uuid.UUID, to domain.ReservationState, now time.Time) (bool, error)
	ExtendCart(ctx context.Context, cartID uuid.UUID, expiresAt, now time.Time) (int64, error)
	ClaimForPayment(
		ctx context.Context,
		ids []uuid.UUID,
		buyerID string,
		attemptID uuid.UUID,
		lockUntil, now time.Time,
	) (int64, error)
	ReleasePaymentClaim(ctx context.Context, attemptID uuid.UUID) error
	Confirm(ctx context.Context, ids []uuid.UUID, attemptID uuid.UUID, now time.Time) (int64, error)
}

type CartRepository interface {
	Create(ctx context.Context, c *domain.Cart) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Cart, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Cart, error)
	SetExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	// Settle closes an open cart with no pending member: converted when any
	// member is confirmed, expired otherwise.
	Settle(ctx context.Context, id uuid.UUID) (bool, error)
	SettleDrained(ctx context.Context) (int64, error)
}

type PaymentRepository interface {
	// Create fails with ErrConflict when (buyer, idempotency key) is taken.
	Create(ctx context.Context, a *domain.PaymentAttempt) error
	Get(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error)
	GetByIdempotencyKey(ctx context.Context, buyerID, key string) (*domain.PaymentAttempt, error)
	GetByProviderRef(ctx context.Context, method, ref string) (*domain.PaymentAttempt, error)
	SetHandle(ctx context.Context, id uuid.UUID, ref, redirectURL string, now time.Time) error
	// Transition moves an open attempt to state; it reports false when the
	// attempt had already left initiated/pending.
	Transition(ctx context.Context, id uuid.UUID, state domain.PaymentState, reason string, now time.Time) (bool, error)
	ListOpen(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentAttempt, error)
}

type TicketRepository interface {
	// Insert stores t unless the reservation already has a ticket, in which
	// case the stored one is returned with created=false.
	Insert(ctx context.Context, t *domain.Ticket) (*domain.Ticket, bool, error)
	GetByReservation(ctx context.Context, reservationID uuid.UUID) (*domain.Ticket, error)
	ListByReservations(ctx context.Context, ids []uuid.UUID) ([]domain.Ticket, error)
}
