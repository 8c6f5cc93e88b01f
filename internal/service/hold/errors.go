package hold

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSeatUnavailable      = errors.New("seat is unavailable")
	ErrDepartureNotFound    = errors.New("departure not found")
	ErrDepartureNotBookable = errors.New("departure is not bookable")
	ErrSeatOutOfRange       = errors.New("seat number out of range")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrCartNotFound         = errors.New("cart not found")
	ErrCartNotPending       = errors.New("cart is no longer pending")
	ErrHoldExpired          = errors.New("hold is expired")
	ErrNotOwner             = errors.New("reservation belongs to another buyer")
	ErrPaymentInProgress    = errors.New("a payment is in progress for this reservation")
	ErrRateLimited          = errors.New("too many holds")
	ErrInvalidBuyer         = errors.New("buyer identity is required")
)

// SeatUnavailableError is the expected outcome of losing a seat race.
type SeatUnavailableError struct {
	DepartureID int64
	SeatNumber  int
}

func (e *SeatUnavailableError) Error() string {
	return fmt.Sprintf("seat %d on departure %d is unavailable", e.SeatNumber, e.DepartureID)
}

func (e *SeatUnavailableError) Unwrap() error { return ErrSeatUnavailable }

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many holds, retry in %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }
