package hold_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository/memory"
	"github.com/kirinyoku/tix-bus/internal/service/hold"
)

var start = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	clock *clock.Manual
	svc   *hold.Service
}

func newFixture(t *testing.T, capacity int, opts ...hold.Option) *fixture {
	t.Helper()

	f := &fixture{store: memory.NewStore(), clock: clock.NewManual(start)}
	_, err := f.store.Departures().Upsert(context.Background(), domain.Departure{
		ID: 100, Capacity: capacity, PriceCents: 5000, Currency: "XOF",
		Status: domain.DepartureActive, DepartsAt: start.Add(72 * time.Hour),
	})
	require.NoError(t, err)

	f.svc = hold.New(f.store, f.clock, slog.New(slog.DiscardHandler), hold.Config{
		DefaultTTL: 10 * time.Minute,
		MinHoldTTL: time.Minute,
		MaxHoldTTL: 30 * time.Minute,
	}, opts...)

	return f
}

func (f *fixture) available(t *testing.T) int64 {
	t.Helper()
	a, err := f.store.Departures().Availability(context.Background(), 100)
	require.NoError(t, err)
	return a.Available
}

func buyer(id string) domain.Buyer {
	return domain.Buyer{ID: id, Name: id, Contact: id + "@example.com"}
}

func TestTryHold_ConcurrentSameSeatOneWinner(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()

	const n = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*domain.Reservation
		losers  int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.TryHold(ctx, hold.HoldInput{
				DepartureID: 100, SeatNumber: 12, Buyer: buyer(uuid.NewString()),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, res)
				return
			}
			assert.ErrorIs(t, err, hold.ErrSeatUnavailable)
			losers++
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, losers)
	assert.EqualValues(t, 49, f.available(t))
}

func TestTryHold_ScenarioAB(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	a, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 12, Buyer: buyer("A")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, a.State)
	assert.Equal(t, start.Add(10*time.Minute), *a.ExpiresAt)

	_, err = f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 12, Buyer: buyer("B")})
	var unavailable *hold.SeatUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 12, unavailable.SeatNumber)

	f.clock.Advance(10*time.Minute + time.Second)

	b, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 12, Buyer: buyer("B")})
	require.NoError(t, err)
	assert.Equal(t, "B", b.Buyer.ID)

	old, err := f.store.Reservations().Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, old.State)
	assert.EqualValues(t, 39, f.available(t), "lazy expiry re-credits before the new claim")
}

func TestTryHold_Preconditions(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.store.Departures().Upsert(ctx, domain.Departure{
		ID: 200, Capacity: 10, PriceCents: 1, Currency: "XOF",
		Status: domain.DepartureCancelled, DepartsAt: start.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = f.store.Departures().Upsert(ctx, domain.Departure{
		ID: 300, Capacity: 10, PriceCents: 1, Currency: "XOF",
		Status: domain.DepartureActive, DepartsAt: start.Add(-time.Hour),
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   hold.HoldInput
		want error
	}{
		{"unknown departure", hold.HoldInput{DepartureID: 999, SeatNumber: 1, Buyer: buyer("u")}, hold.ErrDepartureNotFound},
		{"cancelled departure", hold.HoldInput{DepartureID: 200, SeatNumber: 1, Buyer: buyer("u")}, hold.ErrDepartureNotBookable},
		{"departed", hold.HoldInput{DepartureID: 300, SeatNumber: 1, Buyer: buyer("u")}, hold.ErrDepartureNotBookable},
		{"seat zero", hold.HoldInput{DepartureID: 100, SeatNumber: 0, Buyer: buyer("u")}, hold.ErrSeatOutOfRange},
		{"seat past capacity", hold.HoldInput{DepartureID: 100, SeatNumber: 11, Buyer: buyer("u")}, hold.ErrSeatOutOfRange},
		{"no buyer", hold.HoldInput{DepartureID: 100, SeatNumber: 1}, hold.ErrInvalidBuyer},
		{"unknown cart", hold.HoldInput{DepartureID: 100, SeatNumber: 1, Buyer: buyer("u"), CartID: uuid.New()}, hold.ErrCartNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.TryHold(ctx, tt.in)
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.EqualValues(t, 10, f.available(t))
}

func TestTryHold_CartMembersShareExpiry(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	first, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 1, Buyer: buyer("u1")})
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)

	second, err := f.svc.TryHold(ctx, hold.HoldInput{
		DepartureID: 100, SeatNumber: 2, Buyer: buyer("u1"), CartID: first.CartID, TTL: 20 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, first.CartID, second.CartID)
	assert.Equal(t, *first.ExpiresAt, *second.ExpiresAt)

	_, err = f.svc.TryHold(ctx, hold.HoldInput{
		DepartureID: 100, SeatNumber: 3, Buyer: buyer("intruder"), CartID: first.CartID,
	})
	require.ErrorIs(t, err, hold.ErrNotOwner)

	cart, err := f.svc.GetCart(ctx, first.CartID, "u1")
	require.NoError(t, err)
	assert.Len(t, cart.Reservations, 2)
}

func TestRelease_IsIdempotent(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	r, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 4, Buyer: buyer("u1")})
	require.NoError(t, err)
	assert.EqualValues(t, 9, f.available(t))

	got, err := f.svc.Cancel(ctx, r.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.EqualValues(t, 10, f.available(t))

	got, err = f.svc.Cancel(ctx, r.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.EqualValues(t, 10, f.available(t), "counter is re-credited once")

	got, err = f.svc.Release(ctx, r.ID, domain.StateExpired)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State, "terminal states are sticky")

	cart, err := f.store.Carts().Get(ctx, r.CartID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartExpired, cart.State)
}

func TestRelease_ExpiryWaitsForTTL(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	r, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 7, Buyer: buyer("u1")})
	require.NoError(t, err)

	got, err := f.svc.Release(ctx, r.ID, domain.StateExpired)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)

	f.clock.Advance(11 * time.Minute)

	got, err = f.svc.Release(ctx, r.ID, domain.StateExpired)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, got.State)
	assert.EqualValues(t, 10, f.available(t))
}

func TestCancel_Guards(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	r, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 5, Buyer: buyer("u1")})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, r.ID, "u2")
	require.ErrorIs(t, err, hold.ErrNotOwner)

	_, err = f.store.Reservations().ClaimForPayment(ctx, []uuid.UUID{r.ID}, "u1", uuid.New(), start.Add(5*time.Minute), start)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, r.ID, "u1")
	require.ErrorIs(t, err, hold.ErrPaymentInProgress)

	_, err = f.svc.Cancel(ctx, uuid.New(), "u1")
	require.ErrorIs(t, err, hold.ErrReservationNotFound)
}

func TestExtend(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	a, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 1, Buyer: buyer("u1")})
	require.NoError(t, err)
	b, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 2, Buyer: buyer("u1"), CartID: a.CartID})
	require.NoError(t, err)

	f.clock.Advance(8 * time.Minute)

	cart, err := f.svc.Extend(ctx, a.CartID, "u1", 10*time.Minute)
	require.NoError(t, err)
	want := start.Add(18 * time.Minute)
	assert.Equal(t, want, cart.ExpiresAt)
	for _, r := range cart.Reservations {
		assert.Equal(t, want, *r.ExpiresAt)
	}

	_, err = f.svc.Extend(ctx, a.CartID, "u2", time.Minute)
	require.ErrorIs(t, err, hold.ErrNotOwner)

	_, err = f.svc.Cancel(ctx, b.ID, "u1")
	require.NoError(t, err)

	_, err = f.svc.Extend(ctx, a.CartID, "u1", 10*time.Minute)
	require.ErrorIs(t, err, hold.ErrCartNotPending)
}

func TestExtend_AfterExpiry(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	a, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 1, Buyer: buyer("u1")})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)

	_, err = f.svc.Extend(ctx, a.CartID, "u1", 10*time.Minute)
	require.ErrorIs(t, err, hold.ErrHoldExpired)
}

func TestTryHold_TTLIsClamped(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	r, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 1, Buyer: buyer("u1"), TTL: 5 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, start.Add(30*time.Minute), *r.ExpiresAt)

	r, err = f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 2, Buyer: buyer("u2"), TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Minute), *r.ExpiresAt)
}

type stubLimiter struct{ allow bool }

func (l stubLimiter) Allow(context.Context, string) (bool, int64, time.Duration, error) {
	if l.allow {
		return true, 1, 0, nil
	}
	return false, 6, 30 * time.Second, nil
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, int64, time.Duration, error) {
	return false, 0, 0, errors.New("redis down")
}

type changeRecorder struct {
	mu  sync.Mutex
	ids []int64
}

func (c *changeRecorder) DepartureChanged(_ context.Context, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func TestTryHold_RateLimitAndNotifications(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, 10, hold.WithLimiter(stubLimiter{allow: false}))
	_, err := f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 1, Buyer: buyer("u1")})
	var limited *hold.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 30*time.Second, limited.RetryAfter)

	rec := &changeRecorder{}
	f = newFixture(t, 10, hold.WithLimiter(failingLimiter{}), hold.WithChangeNotifier(rec))
	_, err = f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 1, Buyer: buyer("u1")})
	require.NoError(t, err, "limiter outages fail open")

	_, err = f.svc.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 1, Buyer: buyer("u2")})
	require.ErrorIs(t, err, hold.ErrSeatUnavailable)

	assert.Equal(t, []int64{100}, rec.ids, "only committed holds notify")
}
