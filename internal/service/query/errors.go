package query

import (
	"errors"
)

var ErrDepartureNotFound = errors.New("departure not found")
