package admin

import (
	"errors"
)

var (
	ErrInvalidDeparture    = errors.New("invalid departure")
	ErrCapacityBelowClaims = errors.New("capacity is below the seats already held or sold")
	ErrAttemptNotFound     = errors.New("payment attempt not found")
	ErrNotCashPayment      = errors.New("payment attempt is not a cash payment")
)
