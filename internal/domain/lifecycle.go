package domain

import (
	"errors"
	"fmt"
)

type ReservationState string

const (
	StatePending   ReservationState = "pending"
	StateConfirmed ReservationState = "confirmed"
	StateExpired   ReservationState = "expired"
	StateCancelled ReservationState = "cancelled"
)

var ErrInvalidState = errors.New("invalid reservation state")

func (s ReservationState) Valid() bool {
	switch s {
	case StatePending, StateConfirmed, StateExpired, StateCancelled:
		return true
	}
	return false
}

func (s ReservationState) Terminal() bool {
	return s == StateConfirmed || s == StateExpired || s == StateCancelled
}

// Active reports whether a reservation in s occupies its seat.
func (s ReservationState) Active() bool {
	return s == StatePending || s == StateConfirmed
}

// Transition applies a lifecycle move and reports the resulting state and
// whether anything changed. Leaving a terminal state is a no-op that returns
// the current state.
func Transition(from, to ReservationState) (ReservationState, bool, error) {
	if !from.Valid() || !to.Valid() {
		return from, false, fmt.Errorf("%w: %q -> %q", ErrInvalidState, from, to)
	}

	if from.Terminal() || from == to {
		return from, false, nil
	}

	return to, true, nil
}
