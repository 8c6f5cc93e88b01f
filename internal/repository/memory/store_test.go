package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedDeparture(t *testing.T, s *Store, capacity int) domain.Departure {
	t.Helper()

	d, err := s.Departures().Upsert(context.Background(), domain.Departure{
		ID:         1,
		Capacity:   capacity,
		PriceCents: 1500,
		Currency:   "EUR",
		Status:     domain.DepartureActive,
		DepartsAt:  t0.Add(48 * time.Hour),
	})
	require.NoError(t, err)

	return *d
}

func pending(seat int, cartID uuid.UUID, expires time.Time) *domain.Reservation {
	return &domain.Reservation{
		ID:          uuid.New(),
		Code:        domain.NewReservationCode(),
		DepartureID: 1,
		SeatNumber:  seat,
		Buyer:       domain.Buyer{ID: "u1", Name: "Ada", Contact: "ada@example.com"},
		AmountCents: 1500,
		Currency:    "EUR",
		State:       domain.StatePending,
		CartID:      cartID,
		CreatedAt:   t0,
		ExpiresAt:   &expires,
	}
}

func TestStore_InsertRejectsSecondActiveClaim(t *testing.T) {
	s := NewStore()
	seedDeparture(t, s, 10)
	ctx := context.Background()

	first := pending(7, uuid.New(), t0.Add(10*time.Minute))
	require.NoError(t, s.Reservations().Insert(ctx, first))

	err := s.Reservations().Insert(ctx, pending(7, uuid.New(), t0.Add(10*time.Minute)))
	require.ErrorIs(t, err, repository.ErrConflict)

	ok, err := s.Reservations().Release(ctx, first.ID, domain.StateCancelled, t0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Reservations().Insert(ctx, pending(7, uuid.New(), t0.Add(10*time.Minute))))
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	s := NewStore()
	seedDeparture(t, s, 2)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.Departures().TakeSeat(ctx, 1))
		require.NoError(t, s.Reservations().Insert(ctx, pending(1, uuid.New(), t0.Add(time.Minute))))
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := s.Departures().Availability(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, a.Available)
	assert.Zero(t, a.Held)
}

func TestStore_ConcurrentHoldsOneWinner(t *testing.T) {
	s := NewStore()
	seedDeparture(t, s, 40)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(ctx context.Context) error {
				if err := s.Reservations().Insert(ctx, pending(12, uuid.New(), t0.Add(time.Minute))); err != nil {
					return err
				}
				return s.Departures().TakeSeat(ctx, 1)
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())

	a, err := s.Departures().Availability(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 39, a.Available)
	assert.EqualValues(t, 1, a.Held)
}

func TestStore_PaymentLockBlocksExpiry(t *testing.T) {
	s := NewStore()
	seedDeparture(t, s, 10)
	ctx := context.Background()

	cartID := uuid.New()
	r := pending(3, cartID, t0.Add(time.Minute))
	require.NoError(t, s.Reservations().Insert(ctx, r))

	attempt := uuid.New()
	n, err := s.Reservations().ClaimForPayment(ctx, []uuid.UUID{r.ID}, "u1", attempt, t0.Add(5*time.Minute), t0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	later := t0.Add(2 * time.Minute)
	ok, err := s.Reservations().ExpireSeatIfStale(ctx, 1, 3, later)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = s.Reservations().Confirm(ctx, []uuid.UUID{r.ID}, attempt, later)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	settled, err := s.Carts().Settle(ctx, cartID)
	require.NoError(t, err)
	assert.False(t, settled, "cart was never created")
}

func TestStore_PaymentLockBlocksCancel(t *testing.T) {
	s := NewStore()
	seedDeparture(t, s, 10)
	ctx := context.Background()

	r := pending(4, uuid.New(), t0.Add(10*time.Minute))
	require.NoError(t, s.Reservations().Insert(ctx, r))

	_, err := s.Reservations().ClaimForPayment(ctx, []uuid.UUID{r.ID}, "u1", uuid.New(), t0.Add(5*time.Minute), t0)
	require.NoError(t, err)

	moved, err := s.Reservations().Release(ctx, r.ID, domain.StateCancelled, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = s.Reservations().Release(ctx, r.ID, domain.StateCancelled, t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.True(t, moved, "lapsed lock no longer guards the hold")
}

func TestStore_SettleMarksConvertedOrExpired(t *testing.T) {
	s := NewStore()
	seedDeparture(t, s, 10)
	ctx := context.Background()

	conv := &domain.Cart{ID: uuid.New(), BuyerID: "u1", State: domain.CartOpen, ExpiresAt: t0.Add(time.Minute)}
	gone := &domain.Cart{ID: uuid.New(), BuyerID: "u1", State: domain.CartOpen, ExpiresAt: t0.Add(time.Minute)}
	require.NoError(t, s.Carts().Create(ctx, conv))
	require.NoError(t, s.Carts().Create(ctx, gone))

	a := pending(1, conv.ID, t0.Add(time.Minute))
	b := pending(2, conv.ID, t0.Add(time.Minute))
	c := pending(3, gone.ID, t0.Add(time.Minute))
	for _, r := range []*domain.Reservation{a, b, c} {
		require.NoError(t, s.Reservations().Insert(ctx, r))
	}

	_, err := s.Reservations().Confirm(ctx, []uuid.UUID{a.ID}, uuid.New(), t0)
	require.NoError(t, err)

	n, err := s.Carts().SettleDrained(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "both carts still have pending members")

	later := t0.Add(2 * time.Minute)
	for _, id := range []uuid.UUID{b.ID, c.ID} {
		ok, err := s.Reservations().Release(ctx, id, domain.StateExpired, later)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err = s.Carts().SettleDrained(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := s.Carts().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartConverted, got.State)

	got, err = s.Carts().Get(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartExpired, got.State)
}

func TestStore_PaymentIdempotencyKeyIsPerBuyer(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	mk := func(buyer string) *domain.PaymentAttempt {
		return &domain.PaymentAttempt{
			ID: uuid.New(), BuyerID: buyer, Method: "carte", State: domain.PaymentInitiated,
			IdempotencyKey: "k1", CreatedAt: t0, UpdatedAt: t0,
		}
	}

	require.NoError(t, s.Payments().Create(ctx, mk("u1")))
	require.ErrorIs(t, s.Payments().Create(ctx, mk("u1")), repository.ErrConflict)
	require.NoError(t, s.Payments().Create(ctx, mk("u2")))

	got, err := s.Payments().GetByIdempotencyKey(ctx, "u1", "k1")
	require.NoError(t, err)

	ok, err := s.Payments().Transition(ctx, got.ID, domain.PaymentSucceeded, "", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Payments().Transition(ctx, got.ID, domain.PaymentFailed, "late", t0)
	require.NoError(t, err)
	assert.False(t, ok, "terminal attempts never move again")
}

func TestStore_TicketInsertIsIdempotent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	resID := uuid.New()

	first, created, err := s.Tickets().Insert(ctx, &domain.Ticket{ID: uuid.New(), ReservationID: resID, Payload: []byte("a"), IssuedAt: t0})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.Tickets().Insert(ctx, &domain.Ticket{ID: uuid.New(), ReservationID: resID, Payload: []byte("b"), IssuedAt: t0})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []byte("a"), second.Payload)
}
