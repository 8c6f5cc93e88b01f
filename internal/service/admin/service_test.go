package admin_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/domain"
	provider "github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/payment/cash"
	"github.com/kirinyoku/tix-bus/internal/payment/paymenttest"
	"github.com/kirinyoku/tix-bus/internal/repository/memory"
	"github.com/kirinyoku/tix-bus/internal/service/admin"
	"github.com/kirinyoku/tix-bus/internal/service/hold"
	"github.com/kirinyoku/tix-bus/internal/service/payment"
	"github.com/kirinyoku/tix-bus/internal/ticket"
)

var start = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type changes struct{ ids []int64 }

func (c *changes) DepartureChanged(_ context.Context, id int64) { c.ids = append(c.ids, id) }

type fixture struct {
	store    *memory.Store
	holds    *hold.Service
	payments *payment.Service
	changes  *changes
	svc      *admin.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	clk := clock.NewManual(start)
	store := memory.NewStore()
	f := &fixture{store: store, changes: &changes{}}

	f.holds = hold.New(store, clk, log, hold.Config{})
	issuer := ticket.NewIssuer(store.Tickets(), []byte("secret"), 0, clk, log)
	f.payments = payment.New(store,
		provider.NewRegistry(cash.New(), paymenttest.New(provider.MethodCard)),
		issuer, clk, log, payment.Config{})
	f.svc = admin.New(store, f.holds, f.payments, f.changes, log)

	return f
}

func departure(capacity int) domain.Departure {
	return domain.Departure{
		ID: 100, Capacity: capacity, PriceCents: 2500, Currency: "xof",
		DepartsAt: start.Add(48 * time.Hour),
	}
}

func TestUpsertDeparture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.UpsertDeparture(ctx, departure(40))
	require.NoError(t, err)
	assert.Equal(t, 40, d.AvailableSeats)
	assert.Equal(t, "XOF", d.Currency)
	assert.Equal(t, domain.DepartureActive, d.Status)
	assert.Equal(t, []int64{100}, f.changes.ids)

	for seat := 1; seat <= 3; seat++ {
		_, err := f.holds.TryHold(ctx, hold.HoldInput{
			DepartureID: 100, SeatNumber: seat, Buyer: domain.Buyer{ID: "42"},
		})
		require.NoError(t, err)
	}

	d, err = f.svc.UpsertDeparture(ctx, departure(10))
	require.NoError(t, err)
	assert.Equal(t, 7, d.AvailableSeats)

	_, err = f.svc.UpsertDeparture(ctx, departure(2))
	require.ErrorIs(t, err, admin.ErrCapacityBelowClaims)
	assert.Len(t, f.changes.ids, 2, "rolled back upserts publish nothing")
}

func TestUpsertDeparture_Invalid(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		mod  func(d *domain.Departure)
	}{
		{"zero id", func(d *domain.Departure) { d.ID = 0 }},
		{"zero capacity", func(d *domain.Departure) { d.Capacity = 0 }},
		{"negative price", func(d *domain.Departure) { d.PriceCents = -1 }},
		{"bad currency", func(d *domain.Departure) { d.Currency = "francs" }},
		{"no departure time", func(d *domain.Departure) { d.DepartsAt = time.Time{} }},
		{"unknown status", func(d *domain.Departure) { d.Status = "delayed" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := departure(40)
			tt.mod(&d)
			_, err := f.svc.UpsertDeparture(context.Background(), d)
			require.ErrorIs(t, err, admin.ErrInvalidDeparture)
		})
	}
}

func TestCancelReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpsertDeparture(ctx, departure(40))
	require.NoError(t, err)

	res, err := f.holds.TryHold(ctx, hold.HoldInput{
		DepartureID: 100, SeatNumber: 5, Buyer: domain.Buyer{ID: "42"},
	})
	require.NoError(t, err)

	got, err := f.svc.CancelReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)

	got, err = f.svc.CancelReservation(ctx, res.ID)
	require.NoError(t, err, "cancelling twice is a no-op")
	assert.Equal(t, domain.StateCancelled, got.State)

	_, err = f.svc.CancelReservation(ctx, uuid.New())
	require.ErrorIs(t, err, hold.ErrReservationNotFound)
}

func TestRecordCashReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpsertDeparture(ctx, departure(40))
	require.NoError(t, err)

	buyer := domain.Buyer{ID: "42", Name: "Awa", Contact: "+221770000000"}
	res, err := f.holds.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 9, Buyer: buyer})
	require.NoError(t, err)

	a, err := f.payments.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: buyer, ReservationIDs: []uuid.UUID{res.ID}, Method: "cash", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	c, err := f.payments.ConfirmPayment(ctx, a.ID, provider.Proof{})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, c.Status, "buyers cannot self-assert cash")

	c, err = f.svc.RecordCashReceipt(ctx, a.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirmed, c.Status)
	require.Len(t, c.Tickets, 1)

	_, err = f.svc.RecordCashReceipt(ctx, uuid.New(), "admin-1")
	require.ErrorIs(t, err, admin.ErrAttemptNotFound)
}

func TestRecordCashReceipt_RejectsOtherMethods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpsertDeparture(ctx, departure(40))
	require.NoError(t, err)

	buyer := domain.Buyer{ID: "42"}
	res, err := f.holds.TryHold(ctx, hold.HoldInput{DepartureID: 100, SeatNumber: 9, Buyer: buyer})
	require.NoError(t, err)

	a, err := f.payments.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: buyer, ReservationIDs: []uuid.UUID{res.ID}, Method: "carte", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	_, err = f.svc.RecordCashReceipt(ctx, a.ID, "admin-1")
	require.ErrorIs(t, err, admin.ErrNotCashPayment)
}
