package payment_test

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/notify"
	provider "github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/payment/paymenttest"
	"github.com/kirinyoku/tix-bus/internal/repository/memory"
	"github.com/kirinyoku/tix-bus/internal/service/hold"
	"github.com/kirinyoku/tix-bus/internal/service/payment"
	"github.com/kirinyoku/tix-bus/internal/ticket"
)

var start = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type renderRecorder struct {
	mu      sync.Mutex
	tickets []uuid.UUID
}

func (r *renderRecorder) Render(_ context.Context, t domain.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets = append(r.tickets, t.ID)
	return nil
}

type fixture struct {
	store    *memory.Store
	clock    *clock.Manual
	holds    *hold.Service
	svc      *payment.Service
	card     *paymenttest.Fake
	momo     *paymenttest.Fake
	notes    *recorder
	renders  *renderRecorder
	issuer   *ticket.Issuer
	lockTTL  time.Duration
	holdsTTL time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	f := &fixture{
		store:    memory.NewStore(),
		clock:    clock.NewManual(start),
		card:     paymenttest.New(provider.MethodCard),
		momo:     paymenttest.New(provider.MethodMobileMoney),
		notes:    &recorder{},
		renders:  &renderRecorder{},
		lockTTL:  5 * time.Minute,
		holdsTTL: 10 * time.Minute,
	}

	_, err := f.store.Departures().Upsert(context.Background(), domain.Departure{
		ID: 100, Capacity: 40, PriceCents: 2500, Currency: "XOF",
		Status: domain.DepartureActive, DepartsAt: start.Add(48 * time.Hour),
	})
	require.NoError(t, err)

	f.holds = hold.New(f.store, f.clock, log, hold.Config{DefaultTTL: f.holdsTTL})
	f.issuer = ticket.NewIssuer(f.store.Tickets(), []byte("secret"), 24*time.Hour, f.clock, log)
	f.svc = payment.New(f.store, provider.NewRegistry(f.card, f.momo), f.issuer, f.clock, log,
		payment.Config{LockTTL: f.lockTTL},
		payment.WithNotifier(f.notes),
		payment.WithRenderer(f.renders),
	)

	return f
}

func (f *fixture) hold(t *testing.T, b domain.Buyer, seat int, cart uuid.UUID) *domain.Reservation {
	t.Helper()
	r, err := f.holds.TryHold(context.Background(), hold.HoldInput{
		DepartureID: 100, SeatNumber: seat, Buyer: b, CartID: cart,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) reservation(t *testing.T, id uuid.UUID) *domain.Reservation {
	t.Helper()
	r, err := f.store.Reservations().Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (f *fixture) available(t *testing.T) int64 {
	t.Helper()
	a, err := f.store.Departures().Availability(context.Background(), 100)
	require.NoError(t, err)
	return a.Available
}

var awa = domain.Buyer{ID: "42", Name: "Awa", Contact: "+221770000000"}

func TestConfirmTwice_OneTicketOneNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.hold(t, awa, 12, uuid.Nil)

	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "carte", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, attempt.State)
	assert.NotEmpty(t, attempt.ProviderRef)
	assert.Equal(t, int64(2500), attempt.AmountCents)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*payment.Confirmation, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{})
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, payment.StatusConfirmed, results[i].Status)
		require.Len(t, results[i].Tickets, 1)
		assert.Equal(t, results[0].Tickets[0].ID, results[i].Tickets[0].ID)
	}

	again, err := f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{})
	require.NoError(t, err)
	assert.Equal(t, results[0].Tickets[0].ID, again.Tickets[0].ID)

	tickets, err := f.store.Tickets().ListByReservations(ctx, []uuid.UUID{res.ID})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
	assert.Equal(t, 1, f.notes.count(notify.BookingConfirmed))
	assert.Len(t, f.renders.tickets, 1)

	got := f.reservation(t, res.ID)
	assert.Equal(t, domain.StateConfirmed, got.State)
	assert.Equal(t, attempt.ID, *got.ConfirmedAttemptID)
	assert.Nil(t, got.ExpiresAt)
	assert.Equal(t, ticket.Valid, f.issuer.Validate(tickets[0].Payload))
}

func TestCartRejectedThenCardSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.hold(t, awa, 1, uuid.Nil)
	second := f.hold(t, awa, 2, first.CartID)
	third := f.hold(t, awa, 3, first.CartID)
	ids := []uuid.UUID{first.ID, second.ID, third.ID}
	assert.Equal(t, int64(37), f.available(t))

	f.momo.QueueOutcomes(provider.OutcomeFailed, provider.OutcomeFailed)

	rejected, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: ids, Method: "mobile_money", IdempotencyKey: "momo-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7500), rejected.AmountCents)

	_, err = f.svc.ConfirmPayment(ctx, rejected.ID, provider.Proof{})
	require.ErrorIs(t, err, payment.ErrProviderRejected)

	for _, id := range ids {
		r := f.reservation(t, id)
		assert.Equal(t, domain.StatePending, r.State)
		assert.False(t, r.PaymentLocked(f.clock.Now()), "failed attempt releases its claim")
	}
	assert.Equal(t, 1, f.notes.count(notify.PaymentFailed))

	_, err = f.svc.ConfirmPayment(ctx, rejected.ID, provider.Proof{})
	require.ErrorIs(t, err, payment.ErrAttemptClosed)

	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: ids, Method: "carte", IdempotencyKey: "card-1",
	})
	require.NoError(t, err)

	conf, err := f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{SessionID: attempt.ProviderRef})
	require.NoError(t, err)
	assert.Len(t, conf.Tickets, 3)
	assert.Len(t, conf.Reservations, 3)

	cart, err := f.holds.GetCart(ctx, first.CartID, awa.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartConverted, cart.State)
	assert.Equal(t, int64(37), f.available(t), "confirmation keeps seats taken")
}

func TestInitiate_TransientThenRedrive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 5, uuid.Nil)

	f.card.QueueInitiate(paymenttest.InitiateResult{Err: provider.ErrProviderTransient})

	in := payment.InitiateInput{Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "carte", IdempotencyKey: "k"}

	attempt, err := f.svc.InitiatePayment(ctx, in)
	require.ErrorIs(t, err, payment.ErrProviderTransient)
	require.NotNil(t, attempt)
	assert.Equal(t, domain.PaymentPending, attempt.State)
	assert.Empty(t, attempt.ProviderRef)
	assert.True(t, f.reservation(t, res.ID).PaymentLocked(f.clock.Now()))

	again, err := f.svc.InitiatePayment(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, again.ID)
	assert.NotEmpty(t, again.ProviderRef)

	require.Len(t, f.card.InitiateCalls, 2)
	assert.Equal(t, f.card.InitiateCalls[0].AttemptID, f.card.InitiateCalls[1].AttemptID,
		"re-drive reuses the provider idempotency key")

	replayed, err := f.svc.InitiatePayment(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, again.ProviderRef, replayed.ProviderRef)
	initiates, _ := f.card.Calls()
	assert.Equal(t, 2, initiates)
}

func TestInitiate_TimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 6, uuid.Nil)

	slow := paymenttest.New(provider.MethodPayPal).BlockUntilCancelled()
	svc := payment.New(f.store, provider.NewRegistry(provider.Timeout(slow, 20*time.Millisecond)),
		f.issuer, f.clock, slog.New(slog.DiscardHandler), payment.Config{})

	attempt, err := svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "paypal", IdempotencyKey: "slow",
	})
	require.ErrorIs(t, err, payment.ErrProviderTransient)
	assert.Equal(t, domain.PaymentPending, attempt.State)

	conf, err := svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, conf.Status)
}

func TestInitiate_RejectedReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 8, uuid.Nil)

	f.card.QueueInitiate(paymenttest.InitiateResult{Err: provider.ErrProviderRejected})

	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "carte", IdempotencyKey: "k",
	})
	require.ErrorIs(t, err, payment.ErrProviderRejected)
	assert.Equal(t, domain.PaymentFailed, attempt.State)
	assert.False(t, f.reservation(t, res.ID).PaymentLocked(f.clock.Now()))
}

func TestInitiate_SecondAttemptIsInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 9, uuid.Nil)

	_, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "carte", IdempotencyKey: "a",
	})
	require.NoError(t, err)

	_, err = f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "mobile_money", IdempotencyKey: "b",
	})
	require.ErrorIs(t, err, payment.ErrPaymentInProgress)

	var rerr *payment.ReservationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, res.ID, rerr.ReservationID)

	_, err = f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "mobile_money", IdempotencyKey: "a",
	})
	require.ErrorIs(t, err, payment.ErrIdempotencyKeyReused)

	_, err = f.holds.Cancel(ctx, res.ID, awa.ID)
	require.ErrorIs(t, err, hold.ErrPaymentInProgress)
}

func TestInitiate_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, res *domain.Reservation) payment.InitiateInput
		wantErr error
	}{
		{
			name: "unknown reservation",
			prepare: func(t *testing.T, f *fixture, res *domain.Reservation) payment.InitiateInput {
				return payment.InitiateInput{Buyer: awa, ReservationIDs: []uuid.UUID{res.ID, uuid.New()}}
			},
			wantErr: payment.ErrReservationNotFound,
		},
		{
			name: "another buyer",
			prepare: func(t *testing.T, f *fixture, res *domain.Reservation) payment.InitiateInput {
				return payment.InitiateInput{Buyer: domain.Buyer{ID: "7"}, ReservationIDs: []uuid.UUID{res.ID}}
			},
			wantErr: payment.ErrNotOwner,
		},
		{
			name: "hold expired",
			prepare: func(t *testing.T, f *fixture, res *domain.Reservation) payment.InitiateInput {
				f.clock.Advance(f.holdsTTL)
				return payment.InitiateInput{Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}}
			},
			wantErr: payment.ErrHoldExpired,
		},
		{
			name: "cancelled reservation",
			prepare: func(t *testing.T, f *fixture, res *domain.Reservation) payment.InitiateInput {
				_, err := f.holds.Cancel(context.Background(), res.ID, awa.ID)
				require.NoError(t, err)
				return payment.InitiateInput{Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}}
			},
			wantErr: payment.ErrReservationNotPending,
		},
		{
			name: "no reservations",
			prepare: func(t *testing.T, f *fixture, res *domain.Reservation) payment.InitiateInput {
				return payment.InitiateInput{Buyer: awa}
			},
			wantErr: payment.ErrNoReservations,
		},
		{
			name: "unknown method",
			prepare: func(t *testing.T, f *fixture, res *domain.Reservation) payment.InitiateInput {
				return payment.InitiateInput{Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "bitcoin"}
			},
			wantErr: provider.ErrUnknownMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res := f.hold(t, awa, 20, uuid.Nil)

			in := tt.prepare(t, f, res)
			if in.Method == "" {
				in.Method = "carte"
			}
			in.IdempotencyKey = "k"

			_, err := f.svc.InitiatePayment(context.Background(), in)
			require.ErrorIs(t, err, tt.wantErr)
			initiates, _ := f.card.Calls()
			assert.Zero(t, initiates)
		})
	}
}

func TestConfirm_ForeignSessionLeavesAttemptOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 14, uuid.Nil)

	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "carte", IdempotencyKey: "k",
	})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{SessionID: "cs_someone_else"})
	require.ErrorIs(t, err, payment.ErrInvalidProof)
	assert.NotErrorIs(t, err, payment.ErrProviderRejected)

	got, err := f.svc.GetPayment(ctx, attempt.ID, awa.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Attempt.State)
	assert.True(t, f.reservation(t, res.ID).PaymentLocked(f.clock.Now()), "claim survives a bad proof")
	assert.Zero(t, f.notes.count(notify.PaymentFailed))

	header := http.Header{}
	header.Set("X-Fake-Reference", attempt.ProviderRef)
	conf, err := f.svc.HandleWebhook(ctx, "carte", header, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirmed, conf.Status)
	require.Len(t, conf.Tickets, 1)
	assert.Equal(t, domain.StateConfirmed, f.reservation(t, res.ID).State)
}

func TestConfirm_CaptureOnFailedAttemptRaisesRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 15, uuid.Nil)

	f.momo.QueueOutcomes(provider.OutcomeFailed)
	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "mobile_money", IdempotencyKey: "k",
	})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{})
	require.ErrorIs(t, err, payment.ErrProviderRejected)
	assert.Zero(t, f.notes.count(notify.RefundRequired))

	header := http.Header{}
	header.Set("X-Fake-Reference", attempt.ProviderRef)
	_, err = f.svc.HandleWebhook(ctx, "mobile_money", header, []byte(`{}`))
	require.ErrorIs(t, err, payment.ErrAttemptClosed)
	assert.Equal(t, 1, f.notes.count(notify.RefundRequired))
	assert.Equal(t, domain.StatePending, f.reservation(t, res.ID).State)
}

func TestConfirm_AfterReleaseCancelsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 7, uuid.Nil)

	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "carte", IdempotencyKey: "k",
	})
	require.NoError(t, err)

	f.clock.Advance(f.holdsTTL + time.Second)
	released, err := f.holds.Release(ctx, res.ID, domain.StateExpired)
	require.NoError(t, err)
	require.Equal(t, domain.StateExpired, released.State, "lapsed lock no longer protects the hold")

	_, err = f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{})
	require.ErrorIs(t, err, payment.ErrReservationExpired)

	got, err := f.store.Payments().Get(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCancelled, got.State)
	assert.Equal(t, "reservation_not_pending", got.FailureReason)

	tickets, err := f.store.Tickets().ListByReservations(ctx, []uuid.UUID{res.ID})
	require.NoError(t, err)
	assert.Empty(t, tickets)
	assert.Equal(t, 1, f.notes.count(notify.RefundRequired))
	assert.Zero(t, f.notes.count(notify.BookingConfirmed))

	_, err = f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{})
	require.ErrorIs(t, err, payment.ErrAttemptClosed)
}

func TestConfirm_PendingThenSucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 14, uuid.Nil)

	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "mobile_money", IdempotencyKey: "k",
	})
	require.NoError(t, err)

	f.momo.QueueOutcomes(provider.OutcomePending)

	conf, err := f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, conf.Status)
	assert.Equal(t, domain.StatePending, f.reservation(t, res.ID).State)

	conf, err = f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirmed, conf.Status)
}

func TestConfirm_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 15, uuid.Nil)

	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "carte", IdempotencyKey: "k",
	})
	require.NoError(t, err)

	f.card.QueueVerify(paymenttest.VerifyResult{Verification: provider.Verification{
		Outcome: provider.OutcomeSucceeded, AmountCents: 100, Currency: "XOF",
	}})

	_, err = f.svc.ConfirmPayment(ctx, attempt.ID, provider.Proof{})
	require.ErrorIs(t, err, payment.ErrInvariantBreach)
	assert.Equal(t, domain.StatePending, f.reservation(t, res.ID).State)
}

func TestHandleWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 16, uuid.Nil)

	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "mobile_money", IdempotencyKey: "k",
	})
	require.NoError(t, err)

	_, err = f.svc.HandleWebhook(ctx, "mobile_money", http.Header{}, []byte(`{}`))
	require.ErrorIs(t, err, provider.ErrBadSignature)

	unknown := http.Header{}
	unknown.Set("X-Fake-Reference", "nope")
	_, err = f.svc.HandleWebhook(ctx, "mobile_money", unknown, []byte(`{}`))
	require.ErrorIs(t, err, payment.ErrAttemptNotFound)

	header := http.Header{}
	header.Set("X-Fake-Reference", attempt.ProviderRef)

	conf, err := f.svc.HandleWebhook(ctx, "mobile_money", header, []byte(`{"status":"SUCCESSFUL"}`))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirmed, conf.Status)

	// providers redeliver; a late duplicate is answered from storage
	conf, err = f.svc.HandleWebhook(ctx, "mobile_money", header, []byte(`{"status":"SUCCESSFUL"}`))
	require.NoError(t, err)
	assert.Len(t, conf.Tickets, 1)
	assert.Equal(t, 1, f.notes.count(notify.BookingConfirmed))
}

func TestReconcilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid := f.hold(t, awa, 30, uuid.Nil)
	waiting := f.hold(t, awa, 31, uuid.Nil)

	for i, id := range []uuid.UUID{paid.ID, waiting.ID} {
		_, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
			Buyer: awa, ReservationIDs: []uuid.UUID{id}, Method: "mobile_money",
			IdempotencyKey: uuid.NewString(),
		})
		require.NoError(t, err, i)
	}

	rep, err := f.svc.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, rep.Checked, "fresh attempts are left alone")

	f.clock.Advance(2 * time.Minute)
	f.momo.QueueOutcomes(provider.OutcomeSucceeded, provider.OutcomePending)

	rep, err = f.svc.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, payment.ReconcileReport{Checked: 2, Confirmed: 1, Pending: 1}, rep)
}

func TestGetPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.hold(t, awa, 17, uuid.Nil)

	attempt, err := f.svc.InitiatePayment(ctx, payment.InitiateInput{
		Buyer: awa, ReservationIDs: []uuid.UUID{res.ID}, Method: "carte", IdempotencyKey: "k",
	})
	require.NoError(t, err)

	got, err := f.svc.GetPayment(ctx, attempt.ID, awa.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status)
	_, verifies := f.card.Calls()
	assert.Zero(t, verifies, "polling never calls the provider")

	_, err = f.svc.GetPayment(ctx, attempt.ID, "someone-else")
	require.ErrorIs(t, err, payment.ErrNotOwner)

	_, err = f.svc.GetPayment(ctx, uuid.New(), awa.ID)
	require.ErrorIs(t, err, payment.ErrAttemptNotFound)
}
