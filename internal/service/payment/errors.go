package payment

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	provider "github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/service/hold"
)

var (
	ErrAttemptNotFound        = errors.New("payment attempt not found")
	ErrAttemptClosed          = errors.New("payment attempt is closed")
	ErrReservationNotPending  = errors.New("reservation is no longer pending")
	ErrReservationExpired     = errors.New("reservation was released before payment completed")
	ErrInvariantBreach        = errors.New("payment invariant breached")
	ErrNoReservations         = errors.New("no reservations to pay for")
	ErrMixedCurrency          = errors.New("reservations are priced in different currencies")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrIdempotencyKeyReused   = errors.New("idempotency key was used for a different payment")

	ErrReservationNotFound = hold.ErrReservationNotFound
	ErrNotOwner            = hold.ErrNotOwner
	ErrHoldExpired         = hold.ErrHoldExpired
	ErrPaymentInProgress   = hold.ErrPaymentInProgress
	ErrInvalidBuyer        = hold.ErrInvalidBuyer

	ErrProviderTransient = provider.ErrProviderTransient
	ErrProviderRejected  = provider.ErrProviderRejected
	ErrInvalidProof      = provider.ErrInvalidProof
)

// ReservationError names the reservation that made a claim fail.
type ReservationError struct {
	ReservationID uuid.UUID
	Err           error
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("reservation %s: %v", e.ReservationID, e.Err)
}

func (e *ReservationError) Unwrap() error { return e.Err }
