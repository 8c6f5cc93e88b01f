// Package memory is an in-process implementation of the repository
// contracts. It serializes all access behind one mutex, so it is meant for
// tests and local runs, not for serving traffic.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

type seatKey struct {
	departureID int64
	seat        int
}

type idemKey struct {
	buyerID string
	key     string
}

type state struct {
	departures   map[int64]domain.Departure
	reservations map[uuid.UUID]domain.Reservation
	active       map[seatKey]uuid.UUID
	carts        map[uuid.UUID]domain.Cart
	attempts     map[uuid.UUID]domain.PaymentAttempt
	idem         map[idemKey]uuid.UUID
	tickets      map[uuid.UUID]domain.Ticket
}

func newState() *state {
	return &state{
		departures:   make(map[int64]domain.Departure),
		reservations: make(map[uuid.UUID]domain.Reservation),
		active:       make(map[seatKey]uuid.UUID),
		carts:        make(map[uuid.UUID]domain.Cart),
		attempts:     make(map[uuid.UUID]domain.PaymentAttempt),
		idem:         make(map[idemKey]uuid.UUID),
		tickets:      make(map[uuid.UUID]domain.Ticket),
	}
}

// clone is shallow: stored values are replaced on write, never mutated.
func (s *state) clone() *state {
	return &state{
		departures:   maps.Clone(s.departures),
		reservations: maps.Clone(s.reservations),
		active:       maps.Clone(s.active),
		carts:        maps.Clone(s.carts),
		attempts:     maps.Clone(s.attempts),
		idem:         maps.Clone(s.idem),
		tickets:      maps.Clone(s.tickets),
	}
}

type Store struct {
	mu sync.Mutex
	st *state
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{st: newState()}
}

type txKey struct{}

// WithTx runs fn with exclusive access; a failing fn rolls every write back.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}

	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) Departures() repository.DepartureRepository     { return departureRepo{s} }
func (s *Store) Reservations() repository.ReservationRepository { return reservationRepo{s} }
func (s *Store) Carts() repository.CartRepository               { return cartRepo{s} }
func (s *Store) Payments() repository.PaymentRepository         { return paymentRepo{s} }
func (s *Store) Tickets() repository.TicketRepository           { return ticketRepo{s} }
