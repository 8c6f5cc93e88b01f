// Package payment reconciles provider payment attempts with reservations:
// it claims reservations for an attempt, drives the provider, and confirms
// reservations and issues tickets exactly once when money is captured.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/notify"
	provider "github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/repository"
	"github.com/kirinyoku/tix-bus/internal/ticket"
	"github.com/kirinyoku/tix-bus/internal/uow"
)

const notifyTimeout = 5 * time.Second

const (
	reasonReservationNotPending = "reservation_not_pending"
	reasonCapturedAfterFailure  = "captured_after_failure"
)

type Config struct {
	// LockTTL bounds how long an attempt keeps its reservations from expiring.
	LockTTL time.Duration
}

type ChangeNotifier interface {
	DepartureChanged(ctx context.Context, departureID int64)
}

type Service struct {
	store    repository.Store
	uow      *uow.UoW
	gateways *provider.Registry
	tickets  *ticket.Issuer
	renderer ticket.Renderer
	notifier notify.Notifier
	changes  ChangeNotifier
	clock    clock.Clock
	log      *slog.Logger
	cfg      Config
}

type Option func(*Service)

func WithUoW(u *uow.UoW) Option { return func(s *Service) { s.uow = u } }

func WithRenderer(r ticket.Renderer) Option { return func(s *Service) { s.renderer = r } }

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithChangeNotifier(n ChangeNotifier) Option { return func(s *Service) { s.changes = n } }

func New(
	store repository.Store,
	gateways *provider.Registry,
	tickets *ticket.Issuer,
	clk clock.Clock,
	log *slog.Logger,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}

	s := &Service{
		store:    store,
		uow:      uow.New(store),
		gateways: gateways,
		tickets:  tickets,
		renderer: ticket.NopRenderer{},
		notifier: notify.NewLog(log),
		clock:    clk,
		log:      log,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Confirmation is the outcome of driving an attempt.
type Confirmation struct {
	Attempt      *domain.PaymentAttempt `json:"attempt"`
	Status       Status                 `json:"status"`
	Reservations []domain.Reservation   `json:"reservations,omitempty"`
	Tickets      []domain.Ticket        `json:"tickets,omitempty"`
}

type InitiateInput struct {
	Buyer          domain.Buyer
	ReservationIDs []uuid.UUID
	Method         string
	Metadata       map[string]string
	IdempotencyKey string
}

// InitiatePayment opens a payment attempt for a buyer's pending reservations
// and asks the provider to start collecting.
//
// Parameters:
//   - ctx: request-scoped context.
//   - in: buyer, reservations, method and the client's idempotency key.
//
// Returns:
//   - *domain.PaymentAttempt: the attempt, also alongside ErrProviderTransient.
//   - error: ErrProviderTransient if the provider could not be reached; the attempt stays pending.
//   - error: ErrProviderRejected if the provider refused; the attempt is failed.
//   - error: *ReservationError wrapping ErrReservationNotFound, ErrNotOwner,
//     ErrReservationNotPending, ErrHoldExpired or ErrPaymentInProgress.
func (s *Service) InitiatePayment(ctx context.Context, in InitiateInput) (*domain.PaymentAttempt, error) {
	const op = "service.payment.InitiatePayment"

	if in.Buyer.ID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidBuyer)
	}

	if in.IdempotencyKey == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrIdempotencyKeyRequired)
	}

	ids := dedupe(in.ReservationIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNoReservations)
	}

	method, err := provider.ParseMethod(in.Method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	gw, err := s.gateways.Get(method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	existing, err := s.store.Payments().GetByIdempotencyKey(ctx, in.Buyer.ID, in.IdempotencyKey)
	switch {
	case err == nil:
		return s.replay(ctx, existing, method, ids, gw)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.clock.Now()

	var (
		attempt *domain.PaymentAttempt
		members []domain.Reservation
	)

	err = s.uow.Do(ctx, func(ctx context.Context, _ func(uow.AfterCommit)) error {
		rs, err := s.store.Reservations().GetMany(ctx, ids)
		if err != nil {
			return err
		}

		total, currency, err := s.checkClaimable(ids, rs, in.Buyer.ID, now)
		if err != nil {
			return err
		}

		a := &domain.PaymentAttempt{
			ID:             uuid.New(),
			ReservationIDs: ids,
			BuyerID:        in.Buyer.ID,
			Method:         string(method),
			AmountCents:    total,
			Currency:       currency,
			State:          domain.PaymentInitiated,
			IdempotencyKey: in.IdempotencyKey,
			Metadata:       in.Metadata,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if err := s.store.Payments().Create(ctx, a); err != nil {
			return err
		}

		n, err := s.store.Reservations().ClaimForPayment(ctx, ids, in.Buyer.ID, a.ID, now.Add(s.cfg.LockTTL), now)
		if err != nil {
			return err
		}
		if n != int64(len(ids)) {
			return ErrPaymentInProgress
		}

		attempt, members = a, rs

		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// a concurrent request with the same key won the insert
			existing, gerr := s.store.Payments().GetByIdempotencyKey(ctx, in.Buyer.ID, in.IdempotencyKey)
			if gerr == nil {
				return s.replay(ctx, existing, method, ids, gw)
			}
		}
		if errors.Is(err, ErrPaymentInProgress) {
			s.log.Info("payment already in progress", slog.String("buyer_id", in.Buyer.ID))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("payment attempt opened",
		slog.String("attempt_id", attempt.ID.String()),
		slog.String("method", attempt.Method),
		slog.Int64("amount_cents", attempt.AmountCents),
		slog.Int("reservations", len(ids)),
	)

	out, err := s.initiate(ctx, attempt, members, gw)
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Service) checkClaimable(
	ids []uuid.UUID,
	rs []domain.Reservation,
	buyerID string,
	now time.Time,
) (int64, string, error) {
	byID := make(map[uuid.UUID]domain.Reservation, len(rs))
	for _, r := range rs {
		byID[r.ID] = r
	}

	var (
		total    int64
		currency string
	)

	for _, id := range ids {
		r, ok := byID[id]

		var cause error
		switch {
		case !ok:
			cause = ErrReservationNotFound
		case r.Buyer.ID != buyerID:
			cause = ErrNotOwner
		case r.State != domain.StatePending:
			cause = ErrReservationNotPending
		case !r.ExpiresAt.After(now):
			cause = ErrHoldExpired
		case r.PaymentLocked(now):
			cause = ErrPaymentInProgress
		}
		if cause != nil {
			return 0, "", &ReservationError{ReservationID: id, Err: cause}
		}

		if currency != "" && !strings.EqualFold(currency, r.Currency) {
			return 0, "", ErrMixedCurrency
		}
		currency = r.Currency
		total += r.AmountCents
	}

	return total, currency, nil
}

// replay answers a repeated InitiatePayment. An attempt that never obtained a
// provider handle is driven again under its original id.
func (s *Service) replay(
	ctx context.Context,
	a *domain.PaymentAttempt,
	method provider.Method,
	ids []uuid.UUID,
	gw provider.Gateway,
) (*domain.PaymentAttempt, error) {
	const op = "service.payment.InitiatePayment"

	if a.Method != string(method) || !sameIDs(a.ReservationIDs, ids) {
		return nil, fmt.Errorf("%s: %w", op, ErrIdempotencyKeyReused)
	}

	if !a.State.Open() || a.ProviderRef != "" {
		return a, nil
	}

	rs, err := s.store.Reservations().GetMany(ctx, a.ReservationIDs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out, err := s.initiate(ctx, a, rs, gw)
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// initiate calls the provider outside any transaction and records the result.
func (s *Service) initiate(
	ctx context.Context,
	a *domain.PaymentAttempt,
	rs []domain.Reservation,
	gw provider.Gateway,
) (*domain.PaymentAttempt, error) {
	h, err := gw.Initiate(ctx, initiateRequest(a, rs))
	now := s.clock.Now()

	switch {
	case err == nil:
		if err := s.store.Payments().SetHandle(ctx, a.ID, h.Reference, h.RedirectURL, now); err != nil {
			return nil, err
		}
		return s.reload(ctx, a.ID)

	case errors.Is(err, provider.ErrProviderRejected):
		s.log.Info("payment rejected at initiation",
			slog.String("attempt_id", a.ID.String()),
			slog.Any("err", err),
		)
		if _, ferr := s.fail(ctx, a, err.Error()); ferr != nil {
			return nil, ferr
		}
		out, rerr := s.reload(ctx, a.ID)
		if rerr != nil {
			return nil, rerr
		}
		return out, fmt.Errorf("%w: %v", ErrProviderRejected, err)

	default:
		s.log.Warn("payment provider unavailable",
			slog.String("attempt_id", a.ID.String()),
			slog.String("method", a.Method),
			slog.Any("err", err),
		)
		if _, terr := s.store.Payments().Transition(ctx, a.ID, domain.PaymentPending, "provider_unavailable", now); terr != nil {
			return nil, terr
		}
		out, rerr := s.reload(ctx, a.ID)
		if rerr != nil {
			return nil, rerr
		}
		if errors.Is(err, provider.ErrProviderTransient) {
			return out, err
		}
		return out, fmt.Errorf("%w: %v", ErrProviderTransient, err)
	}
}

func initiateRequest(a *domain.PaymentAttempt, rs []domain.Reservation) provider.InitiateRequest {
	req := provider.InitiateRequest{
		AttemptID:   a.ID,
		AmountCents: a.AmountCents,
		Currency:    a.Currency,
		Buyer:       domain.Buyer{ID: a.BuyerID},
		Metadata:    a.Metadata,
	}

	codes := make([]string, 0, len(rs))
	for _, r := range rs {
		codes = append(codes, r.Code)
		if r.Buyer.ID == a.BuyerID {
			req.Buyer = r.Buyer
		}
	}
	req.Description = "Bus tickets " + strings.Join(codes, ", ")

	return req
}

// ConfirmPayment verifies an attempt with its provider and, once money is
// captured, confirms every reservation of the attempt and issues their
// tickets. Repeated calls on a succeeded attempt return the stored result.
//
// Returns:
//   - *Confirmation: confirmed or pending.
//   - error: ErrProviderRejected if the provider failed the payment.
//   - error: ErrReservationExpired if a reservation was released before capture.
//   - error: ErrInvalidProof if the proof belongs to another attempt; the attempt is unchanged.
//   - error: ErrAttemptClosed for failed or cancelled attempts.
func (s *Service) ConfirmPayment(ctx context.Context, attemptID uuid.UUID, proof provider.Proof) (*Confirmation, error) {
	const op = "service.payment.ConfirmPayment"

	a, err := s.reload(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out, err := s.confirm(ctx, a, proof)
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Service) confirm(ctx context.Context, a *domain.PaymentAttempt, proof provider.Proof) (*Confirmation, error) {
	switch a.State {
	case domain.PaymentSucceeded:
		return s.confirmation(ctx, a)
	case domain.PaymentFailed:
		s.checkLateCapture(ctx, a, proof)
		return nil, ErrAttemptClosed
	case domain.PaymentCancelled:
		return nil, ErrAttemptClosed
	}

	gw, err := s.gateways.Get(provider.Method(a.Method))
	if err != nil {
		return nil, err
	}

	if a.ProviderRef == "" {
		rs, err := s.store.Reservations().GetMany(ctx, a.ReservationIDs)
		if err != nil {
			return nil, err
		}
		if a, err = s.initiate(ctx, a, rs, gw); err != nil {
			if errors.Is(err, ErrProviderTransient) {
				return &Confirmation{Attempt: a, Status: StatusPending}, nil
			}
			return nil, err
		}
	}

	v, err := gw.Verify(ctx, provider.Handle{
		AttemptID:   a.ID,
		Reference:   a.ProviderRef,
		RedirectURL: a.RedirectURL,
	}, proof)
	if err != nil {
		if errors.Is(err, provider.ErrInvalidProof) {
			return nil, err
		}
		if errors.Is(err, provider.ErrReferenceMismatch) {
			s.log.Error("provider record names another attempt",
				slog.String("attempt_id", a.ID.String()),
				slog.Any("err", err),
			)
		}
		v = provider.Verification{Outcome: provider.OutcomePending, Reason: err.Error()}
	}

	switch v.Outcome {
	case provider.OutcomeSucceeded:
		return s.settle(ctx, a, v)

	case provider.OutcomeFailed:
		moved, err := s.fail(ctx, a, v.Reason)
		if err != nil {
			return nil, err
		}
		if !moved {
			return s.afterLostRace(ctx, a.ID)
		}
		s.log.Info("payment failed",
			slog.String("attempt_id", a.ID.String()),
			slog.String("reason", v.Reason),
		)
		return nil, ErrProviderRejected

	default:
		if a.State == domain.PaymentInitiated {
			if _, err := s.store.Payments().Transition(ctx, a.ID, domain.PaymentPending, v.Reason, s.clock.Now()); err != nil {
				return nil, err
			}
			if a, err = s.reload(ctx, a.ID); err != nil {
				return nil, err
			}
		}
		return &Confirmation{Attempt: a, Status: StatusPending}, nil
	}
}

// checkLateCapture asks the provider about a failed attempt. Money captured
// after the attempt was closed is never kept silently: it is flagged for a
// refund.
func (s *Service) checkLateCapture(ctx context.Context, a *domain.PaymentAttempt, proof provider.Proof) {
	if a.ProviderRef == "" {
		return
	}

	gw, err := s.gateways.Get(provider.Method(a.Method))
	if err != nil {
		return
	}

	v, err := gw.Verify(ctx, provider.Handle{AttemptID: a.ID, Reference: a.ProviderRef}, proof)
	if err != nil || v.Outcome != provider.OutcomeSucceeded {
		return
	}

	s.log.Error("capture on a failed attempt",
		slog.String("attempt_id", a.ID.String()),
		slog.String("provider_ref", a.ProviderRef),
	)
	s.notify(ctx, attemptEvent(notify.RefundRequired, a, reasonCapturedAfterFailure, s.clock.Now()))
}

var errLostRace = errors.New("attempt settled concurrently")

type notPendingError struct {
	id    uuid.UUID
	state domain.ReservationState
}

func (e *notPendingError) Error() string {
	return fmt.Sprintf("reservation %s is %s", e.id, e.state)
}

// settle commits a captured payment: the attempt succeeds, every reservation
// is confirmed and ticketed and the carts are closed, all or nothing.
func (s *Service) settle(ctx context.Context, a *domain.PaymentAttempt, v provider.Verification) (*Confirmation, error) {
	if v.AmountCents > 0 && (v.AmountCents != a.AmountCents ||
		(v.Currency != "" && !strings.EqualFold(v.Currency, a.Currency))) {
		s.log.Error("captured amount does not match attempt",
			slog.String("attempt_id", a.ID.String()),
			slog.Int64("expected_cents", a.AmountCents),
			slog.Int64("captured_cents", v.AmountCents),
			slog.String("captured_currency", v.Currency),
		)
		if err := s.cancel(ctx, a, "amount_mismatch"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: captured %d %s", ErrInvariantBreach, v.AmountCents, v.Currency)
	}

	now := s.clock.Now()

	var out *Confirmation

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		moved, err := s.store.Payments().Transition(ctx, a.ID, domain.PaymentSucceeded, "", now)
		if err != nil {
			return err
		}
		if !moved {
			return errLostRace
		}

		rs, err := s.store.Reservations().GetMany(ctx, a.ReservationIDs)
		if err != nil {
			return err
		}
		if len(rs) != len(a.ReservationIDs) {
			return fmt.Errorf("%w: attempt references %d reservations, found %d",
				ErrInvariantBreach, len(a.ReservationIDs), len(rs))
		}

		for _, r := range rs {
			if r.State != domain.StatePending {
				return &notPendingError{id: r.ID, state: r.State}
			}
		}

		n, err := s.store.Reservations().Confirm(ctx, a.ReservationIDs, a.ID, now)
		if err != nil {
			return err
		}
		if n != int64(len(a.ReservationIDs)) {
			return &notPendingError{state: "released concurrently"}
		}

		if rs, err = s.store.Reservations().GetMany(ctx, a.ReservationIDs); err != nil {
			return err
		}

		tickets := make([]domain.Ticket, 0, len(rs))
		carts := make(map[uuid.UUID]struct{})
		departures := make(map[int64]struct{})

		for i := range rs {
			t, err := s.tickets.Issue(ctx, &rs[i])
			if err != nil {
				return err
			}
			tickets = append(tickets, *t)
			carts[rs[i].CartID] = struct{}{}
			departures[rs[i].DepartureID] = struct{}{}
		}

		for id := range carts {
			if _, err := s.store.Carts().Settle(ctx, id); err != nil {
				return err
			}
		}

		attempt, err := s.store.Payments().Get(ctx, a.ID)
		if err != nil {
			return err
		}

		out = &Confirmation{Attempt: attempt, Status: StatusConfirmed, Reservations: rs, Tickets: tickets}

		after(func(ctx context.Context) {
			s.log.Info("payment confirmed",
				slog.String("attempt_id", a.ID.String()),
				slog.Int("tickets", len(tickets)),
			)
			s.notify(ctx, confirmedEvent(out, now))
			for _, t := range tickets {
				if err := s.renderer.Render(ctx, t); err != nil {
					s.log.Warn("ticket render failed", slog.String("ticket_id", t.ID.String()), slog.Any("err", err))
				}
			}
			for id := range departures {
				s.departureChanged(ctx, id)
			}
		})

		return nil
	})

	var np *notPendingError
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, errLostRace):
		return s.afterLostRace(ctx, a.ID)
	case errors.As(err, &np):
		s.log.Error("payment captured for released reservation, refund required",
			slog.String("attempt_id", a.ID.String()),
			slog.String("reservation", np.id.String()),
			slog.String("state", string(np.state)),
			slog.Int64("amount_cents", a.AmountCents),
		)
		if err := s.cancel(ctx, a, reasonReservationNotPending); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrReservationExpired, np)
	default:
		return nil, err
	}
}

// afterLostRace reports the state a concurrent caller left the attempt in.
func (s *Service) afterLostRace(ctx context.Context, id uuid.UUID) (*Confirmation, error) {
	a, err := s.reload(ctx, id)
	if err != nil {
		return nil, err
	}

	switch a.State {
	case domain.PaymentSucceeded:
		return s.confirmation(ctx, a)
	case domain.PaymentCancelled:
		if a.FailureReason == reasonReservationNotPending {
			return nil, ErrReservationExpired
		}
		return nil, ErrAttemptClosed
	case domain.PaymentFailed:
		return nil, ErrProviderRejected
	default:
		return &Confirmation{Attempt: a, Status: StatusPending}, nil
	}
}

// fail closes an attempt as failed and lets its reservations expire normally.
func (s *Service) fail(ctx context.Context, a *domain.PaymentAttempt, reason string) (bool, error) {
	var moved bool

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		var err error
		moved, err = s.store.Payments().Transition(ctx, a.ID, domain.PaymentFailed, reason, s.clock.Now())
		if err != nil || !moved {
			return err
		}

		if err := s.store.Reservations().ReleasePaymentClaim(ctx, a.ID); err != nil {
			return err
		}

		after(func(ctx context.Context) {
			s.notify(ctx, attemptEvent(notify.PaymentFailed, a, reason, s.clock.Now()))
		})

		return nil
	})

	return moved, err
}

// cancel closes an attempt whose captured money cannot be honoured.
func (s *Service) cancel(ctx context.Context, a *domain.PaymentAttempt, reason string) error {
	return s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		moved, err := s.store.Payments().Transition(ctx, a.ID, domain.PaymentCancelled, reason, s.clock.Now())
		if err != nil || !moved {
			return err
		}

		if err := s.store.Reservations().ReleasePaymentClaim(ctx, a.ID); err != nil {
			return err
		}

		after(func(ctx context.Context) {
			s.notify(ctx, attemptEvent(notify.RefundRequired, a, reason, s.clock.Now()))
		})

		return nil
	})
}

// GetPayment returns the current state of a buyer's attempt. It never calls
// the provider.
func (s *Service) GetPayment(ctx context.Context, attemptID uuid.UUID, buyerID string) (*Confirmation, error) {
	const op = "service.payment.GetPayment"

	a, err := s.reload(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if buyerID != "" && a.BuyerID != buyerID {
		return nil, fmt.Errorf("%s: %w", op, ErrNotOwner)
	}

	if a.State == domain.PaymentSucceeded {
		out, err := s.confirmation(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return out, nil
	}

	return &Confirmation{Attempt: a, Status: statusOf(a.State)}, nil
}

// HandleWebhook authenticates a provider callback and confirms the attempt it
// refers to. The callback body is only a hint: the provider is re-read.
func (s *Service) HandleWebhook(ctx context.Context, method string, header http.Header, body []byte) (*Confirmation, error) {
	const op = "service.payment.HandleWebhook"

	m, err := provider.ParseMethod(method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	parser, err := s.gateways.Webhook(m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ref, proof, err := parser.ParseWebhook(ctx, header, body)
	if err != nil {
		s.log.Warn("webhook rejected", slog.String("method", method), slog.Any("err", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a, err := s.store.Payments().GetByProviderRef(ctx, string(m), ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w: reference %q", op, ErrAttemptNotFound, ref)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out, err := s.confirm(ctx, a, proof)
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

type ReconcileReport struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// ReconcilePending re-drives open attempts that have not moved for olderThan,
// for providers that never called back.
func (s *Service) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	const op = "service.payment.ReconcilePending"

	var rep ReconcileReport

	open, err := s.store.Payments().ListOpen(ctx, s.clock.Now().Add(-olderThan), limit)
	if err != nil {
		return rep, fmt.Errorf("%s: %w", op, err)
	}

	for i := range open {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("%s: %w", op, err)
		}

		rep.Checked++

		out, err := s.confirm(ctx, &open[i], provider.Proof{})
		switch {
		case err == nil && out.Status == StatusConfirmed:
			rep.Confirmed++
		case err == nil:
			rep.Pending++
		case errors.Is(err, ErrProviderRejected), errors.Is(err, ErrReservationExpired),
			errors.Is(err, ErrAttemptClosed), errors.Is(err, ErrInvariantBreach):
			rep.Failed++
		default:
			rep.Errors++
			s.log.Warn("reconcile attempt failed",
				slog.String("attempt_id", open[i].ID.String()),
				slog.Any("err", err),
			)
		}
	}

	return rep, nil
}

func (s *Service) confirmation(ctx context.Context, a *domain.PaymentAttempt) (*Confirmation, error) {
	rs, err := s.store.Reservations().GetMany(ctx, a.ReservationIDs)
	if err != nil {
		return nil, err
	}

	tickets, err := s.store.Tickets().ListByReservations(ctx, a.ReservationIDs)
	if err != nil {
		return nil, err
	}

	return &Confirmation{Attempt: a, Status: StatusConfirmed, Reservations: rs, Tickets: tickets}, nil
}

func (s *Service) reload(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	a, err := s.store.Payments().Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return a, nil
}

// notify delivers ev within notifyTimeout. It runs after commit, so a slow
// sink delays the response but never the booking.
func (s *Service) notify(ctx context.Context, ev notify.Event) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.Warn("notification failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("attempt_id", ev.AttemptID.String()),
			slog.Any("err", err),
		)
	}
}

func (s *Service) departureChanged(ctx context.Context, id int64) {
	if s.changes != nil {
		s.changes.DepartureChanged(ctx, id)
	}
}

func confirmedEvent(c *Confirmation, at time.Time) notify.Event {
	ev := attemptEvent(notify.BookingConfirmed, c.Attempt, "", at)
	for _, t := range c.Tickets {
		ev.TicketIDs = append(ev.TicketIDs, t.ID)
	}
	if len(c.Reservations) > 0 {
		ev.BuyerName = c.Reservations[0].Buyer.Name
		ev.Contact = c.Reservations[0].Buyer.Contact
	}
	return ev
}

func attemptEvent(kind notify.Kind, a *domain.PaymentAttempt, reason string, at time.Time) notify.Event {
	return notify.Event{
		ID:             uuid.New(),
		Kind:           kind,
		AttemptID:      a.ID,
		BuyerID:        a.BuyerID,
		ReservationIDs: a.ReservationIDs,
		AmountCents:    a.AmountCents,
		Currency:       a.Currency,
		Reason:         reason,
		OccurredAt:     at,
	}
}

func statusOf(st domain.PaymentState) Status {
	switch st {
	case domain.PaymentSucceeded:
		return StatusConfirmed
	case domain.PaymentFailed:
		return StatusFailed
	case domain.PaymentCancelled:
		return StatusCancelled
	default:
		return StatusPending
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != uuid.Nil && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func sameIDs(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	for _, id := range a {
		if !slices.Contains(b, id) {
			return false
		}
	}
	return true
}
