package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kirinyoku/tix-bus/internal/domain"
	provider "github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/repository"
	"github.com/kirinyoku/tix-bus/internal/service/payment"
	"github.com/kirinyoku/tix-bus/internal/uow"
)

// Canceller releases a reservation without an ownership check when buyerID
// is empty.
type Canceller interface {
	Cancel(ctx context.Context, id uuid.UUID, buyerID string) (*domain.Reservation, error)
}

type Confirmer interface {
	ConfirmPayment(ctx context.Context, attemptID uuid.UUID, proof provider.Proof) (*payment.Confirmation, error)
}

type ChangeNotifier interface {
	DepartureChanged(ctx context.Context, departureID int64)
}

type Service struct {
	store    repository.Store
	uow      *uow.UoW
	holds    Canceller
	payments Confirmer
	changes  ChangeNotifier
	log      *slog.Logger
}

func New(
	store repository.Store,
	holds Canceller,
	payments Confirmer,
	changes ChangeNotifier,
	log *slog.Logger,
) *Service {
	return &Service{
		store:    store,
		uow:      uow.New(store),
		holds:    holds,
		payments: payments,
		changes:  changes,
		log:      log,
	}
}

// UpsertDeparture syncs a departure from the catalog. The available-seats
// counter is recomputed from the active claims.
//
// Parameters:
//   - ctx: request-scoped context.
//   - d: catalog fields of the departure; AvailableSeats is ignored.
//
// Returns:
//   - *domain.Departure: the stored departure with its recomputed counter.
//   - error: admin.ErrInvalidDeparture if a field is out of range.
//   - error: admin.ErrCapacityBelowClaims if capacity drops under the active claims.
func (s *Service) UpsertDeparture(ctx context.Context, d domain.Departure) (*domain.Departure, error) {
	const op = "service.admin.UpsertDeparture"

	if err := validateDeparture(&d); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var out *domain.Departure
	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		stored, err := s.store.Departures().Upsert(ctx, d)
		if err != nil {
			if errors.Is(err, repository.ErrConstraint) {
				return ErrCapacityBelowClaims
			}
			return err
		}
		out = stored

		after(func(ctx context.Context) {
			if s.changes != nil {
				s.changes.DepartureChanged(ctx, stored.ID)
			}
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("departure synced",
		slog.Int64("departure_id", out.ID),
		slog.Int("capacity", out.Capacity),
		slog.String("status", string(out.Status)),
	)

	return out, nil
}

func validateDeparture(d *domain.Departure) error {
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))

	switch {
	case d.ID <= 0:
		return fmt.Errorf("%w: id must be positive", ErrInvalidDeparture)
	case d.Capacity <= 0:
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidDeparture)
	case d.PriceCents < 0:
		return fmt.Errorf("%w: negative price", ErrInvalidDeparture)
	case len(d.Currency) != 3:
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidDeparture)
	case d.DepartsAt.IsZero():
		return fmt.Errorf("%w: departs_at is required", ErrInvalidDeparture)
	}

	switch d.Status {
	case "":
		d.Status = domain.DepartureActive
	case domain.DepartureActive, domain.DepartureCancelled, domain.DepartureCompleted:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidDeparture, d.Status)
	}

	return nil
}

// CancelReservation cancels any buyer's pending reservation. A reservation
// under a live payment lock is still refused.
func (s *Service) CancelReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "service.admin.CancelReservation"

	res, err := s.holds.Cancel(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("reservation cancelled by admin",
		slog.String("reservation_id", id.String()),
		slog.String("state", string(res.State)),
	)

	return res, nil
}

// RecordCashReceipt asserts that a cash attempt was paid at the counter and
// drives it to confirmation.
//
// Parameters:
//   - ctx: request-scoped context.
//   - attemptID: the cash payment attempt.
//   - adminID: subject of the admin asserting receipt.
//
// Returns:
//   - *payment.Confirmation: the confirmed reservations and their tickets.
//   - error: admin.ErrAttemptNotFound, admin.ErrNotCashPayment, or any error of
//     payment.Service.ConfirmPayment.
func (s *Service) RecordCashReceipt(ctx context.Context, attemptID uuid.UUID, adminID string) (*payment.Confirmation, error) {
	const op = "service.admin.RecordCashReceipt"

	a, err := s.store.Payments().Get(ctx, attemptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrAttemptNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if a.Method != string(provider.MethodCash) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotCashPayment)
	}

	c, err := s.payments.ConfirmPayment(ctx, attemptID, provider.Proof{AssertedBy: adminID})
	if err != nil {
		return c, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("cash receipt recorded",
		slog.String("attempt_id", attemptID.String()),
		slog.String("admin", adminID),
	)

	return c, nil
}
