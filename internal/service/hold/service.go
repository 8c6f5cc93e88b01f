package hold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
	"github.com/kirinyoku/tix-bus/internal/uow"
)

type Config struct {
	DefaultTTL time.Duration
	MinHoldTTL time.Duration
	MaxHoldTTL time.Duration
}

// Limiter throttles hold attempts per buyer.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, current int64, retryAfter time.Duration, err error)
}

// ChangeNotifier is told after commit that a departure's seat counters moved.
type ChangeNotifier interface {
	DepartureChanged(ctx context.Context, departureID int64)
}

type Service struct {
	store   repository.Store
	uow     *uow.UoW
	clock   clock.Clock
	log     *slog.Logger
	limiter Limiter
	changes ChangeNotifier
	cfg     Config
}

type Option func(*Service)

func WithLimiter(l Limiter) Option { return func(s *Service) { s.limiter = l } }

func WithChangeNotifier(n ChangeNotifier) Option { return func(s *Service) { s.changes = n } }

func WithUoW(u *uow.UoW) Option { return func(s *Service) { s.uow = u } }

func New(store repository.Store, clk clock.Clock, log *slog.Logger, cfg Config, opts ...Option) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}

	if cfg.MinHoldTTL <= 0 {
		cfg.MinHoldTTL = 30 * time.Second
	}

	if cfg.MaxHoldTTL <= 0 || cfg.MaxHoldTTL < cfg.MinHoldTTL {
		cfg.MaxHoldTTL = 30 * time.Minute
	}

	s := &Service{
		store: store,
		uow:   uow.New(store),
		clock: clk,
		log:   log,
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

type HoldInput struct {
	DepartureID int64
	SeatNumber  int
	Buyer       domain.Buyer
	// CartID adds the seat to an open cart of the same buyer; uuid.Nil starts
	// a new cart.
	CartID uuid.UUID
	TTL    time.Duration
}

// TryHold claims one seat for a buyer.
//
// Parameters:
//   - ctx: request-scoped context.
//   - in: departure, seat, buyer, optional cart and requested TTL.
//
// Returns:
//   - *domain.Reservation: the pending reservation.
//   - error: *SeatUnavailableError (ErrSeatUnavailable) if the seat is claimed.
//   - error: ErrDepartureNotFound, ErrDepartureNotBookable, ErrSeatOutOfRange.
//   - error: ErrCartNotFound, ErrNotOwner, ErrCartNotPending, ErrHoldExpired for cart misuse.
//   - error: *RateLimitedError (ErrRateLimited) when the buyer exceeds the limiter.
func (s *Service) TryHold(ctx context.Context, in HoldInput) (*domain.Reservation, error) {
	const op = "service.hold.TryHold"

	if in.Buyer.ID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidBuyer)
	}

	if s.limiter != nil {
		ok, _, retry, err := s.limiter.Allow(ctx, in.Buyer.ID)
		if err != nil {
			// fail open
			s.log.Warn("hold limiter unavailable", slog.String("op", op), slog.Any("err", err))
		} else if !ok {
			return nil, fmt.Errorf("%s: %w", op, &RateLimitedError{RetryAfter: retry})
		}
	}

	ttl := s.clampTTL(in.TTL)
	now := s.clock.Now()

	var res *domain.Reservation

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		dep, err := s.store.Departures().Get(ctx, in.DepartureID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrDepartureNotFound
			}
			return err
		}

		if !dep.Bookable(now) {
			return ErrDepartureNotBookable
		}

		if !dep.HasSeat(in.SeatNumber) {
			return ErrSeatOutOfRange
		}

		cart, err := s.openCart(ctx, in, now, ttl)
		if err != nil {
			return err
		}

		freed, err := s.store.Reservations().ExpireSeatIfStale(ctx, dep.ID, in.SeatNumber, now)
		if err != nil {
			return err
		}
		if freed {
			if err := s.store.Departures().ReturnSeats(ctx, dep.ID, 1); err != nil {
				return err
			}
		}

		expires := cart.ExpiresAt
		r := &domain.Reservation{
			ID:          uuid.New(),
			Code:        domain.NewReservationCode(),
			DepartureID: dep.ID,
			SeatNumber:  in.SeatNumber,
			Buyer:       in.Buyer,
			AmountCents: dep.PriceCents,
			Currency:    dep.Currency,
			State:       domain.StatePending,
			CartID:      cart.ID,
			CreatedAt:   now,
			ExpiresAt:   &expires,
		}

		if err := s.store.Reservations().Insert(ctx, r); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return &SeatUnavailableError{DepartureID: dep.ID, SeatNumber: in.SeatNumber}
			}
			return err
		}

		if err := s.store.Departures().TakeSeat(ctx, dep.ID); err != nil {
			if errors.Is(err, repository.ErrSeatsUnavailable) {
				return &SeatUnavailableError{DepartureID: dep.ID, SeatNumber: in.SeatNumber}
			}
			return err
		}

		res = r

		after(func(ctx context.Context) {
			s.departureChanged(ctx, dep.ID)
		})

		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSeatUnavailable) {
			s.log.Info("seat unavailable",
				slog.Int64("departure_id", in.DepartureID),
				slog.Int("seat", in.SeatNumber),
			)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("seat held",
		slog.String("reservation_id", res.ID.String()),
		slog.Int64("departure_id", res.DepartureID),
		slog.Int("seat", res.SeatNumber),
		slog.Time("expires_at", *res.ExpiresAt),
	)

	return res, nil
}

func (s *Service) openCart(ctx context.Context, in HoldInput, now time.Time, ttl time.Duration) (*domain.Cart, error) {
	if in.CartID == uuid.Nil {
		c := &domain.Cart{
			ID:        uuid.New(),
			BuyerID:   in.Buyer.ID,
			State:     domain.CartOpen,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		}
		if err := s.store.Carts().Create(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}

	c, err := s.store.Carts().GetForUpdate(ctx, in.CartID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCartNotFound
		}
		return nil, err
	}

	switch {
	case c.BuyerID != in.Buyer.ID:
		return nil, ErrNotOwner
	case c.State != domain.CartOpen:
		return nil, ErrCartNotPending
	case !c.ExpiresAt.After(now):
		return nil, ErrHoldExpired
	}

	return c, nil
}

// Release moves a pending reservation to expired or cancelled and re-credits
// the seat. A reservation that already left pending, or a hold that may not
// expire yet, is returned unchanged.
func (s *Service) Release(
	ctx context.Context,
	id uuid.UUID,
	reason domain.ReservationState,
) (*domain.Reservation, error) {
	const op = "service.hold.Release"

	res, err := s.release(ctx, id, reason, func(*domain.Reservation) error { return nil })
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

// Cancel releases a buyer's own pending reservation. Cancelling is refused
// while a payment attempt holds the reservation.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, buyerID string) (*domain.Reservation, error) {
	const op = "service.hold.Cancel"

	res, err := s.release(ctx, id, domain.StateCancelled, func(r *domain.Reservation) error {
		if buyerID != "" && r.Buyer.ID != buyerID {
			return ErrNotOwner
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

func (s *Service) release(
	ctx context.Context,
	id uuid.UUID,
	reason domain.ReservationState,
	check func(*domain.Reservation) error,
) (*domain.Reservation, error) {
	now := s.clock.Now()

	var out *domain.Reservation

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		res, err := s.store.Reservations().Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrReservationNotFound
			}
			return err
		}

		if err := check(res); err != nil {
			return err
		}

		moved, err := s.store.Reservations().Release(ctx, id, reason, now)
		if err != nil {
			return err
		}

		if !moved {
			cur, err := s.store.Reservations().Get(ctx, id)
			if err != nil {
				return err
			}
			if reason == domain.StateCancelled && cur.State == domain.StatePending && cur.PaymentLocked(now) {
				return ErrPaymentInProgress
			}
			out = cur
			return nil
		}

		if err := s.store.Departures().ReturnSeats(ctx, res.DepartureID, 1); err != nil {
			return err
		}

		if _, err := s.store.Carts().Settle(ctx, res.CartID); err != nil {
			return err
		}

		if out, err = s.store.Reservations().Get(ctx, id); err != nil {
			return err
		}

		after(func(ctx context.Context) {
			s.log.Info("hold released",
				slog.String("reservation_id", id.String()),
				slog.String("reason", string(reason)),
			)
			s.departureChanged(ctx, res.DepartureID)
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Extend resets the expiry of every reservation in a cart.
//
// Returns:
//   - *domain.Cart: the cart with its reservations.
//   - error: ErrCartNotPending if any member left pending.
//   - error: ErrHoldExpired if any member's TTL already elapsed.
func (s *Service) Extend(ctx context.Context, cartID uuid.UUID, buyerID string, ttl time.Duration) (*domain.Cart, error) {
	const op = "service.hold.Extend"

	now := s.clock.Now()
	expires := now.Add(s.clampTTL(ttl))

	var out *domain.Cart

	err := s.uow.Do(ctx, func(ctx context.Context, _ func(uow.AfterCommit)) error {
		cart, err := s.store.Carts().GetForUpdate(ctx, cartID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrCartNotFound
			}
			return err
		}

		if cart.BuyerID != buyerID {
			return ErrNotOwner
		}

		if cart.State != domain.CartOpen {
			return ErrCartNotPending
		}

		members, err := s.store.Reservations().ListByCart(ctx, cartID)
		if err != nil {
			return err
		}

		if len(members) == 0 {
			return ErrCartNotPending
		}

		for _, r := range members {
			if r.State != domain.StatePending {
				return ErrCartNotPending
			}
			if !r.ExpiresAt.After(now) {
				return ErrHoldExpired
			}
		}

		n, err := s.store.Reservations().ExtendCart(ctx, cartID, expires, now)
		if err != nil {
			return err
		}
		if n != int64(len(members)) {
			return ErrHoldExpired
		}

		if err := s.store.Carts().SetExpiry(ctx, cartID, expires); err != nil {
			return err
		}

		if out, err = s.loadCart(ctx, cartID); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// GetCart returns a buyer's cart with its reservations.
func (s *Service) GetCart(ctx context.Context, cartID uuid.UUID, buyerID string) (*domain.Cart, error) {
	const op = "service.hold.GetCart"

	cart, err := s.loadCart(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cart.BuyerID != buyerID {
		return nil, fmt.Errorf("%s: %w", op, ErrNotOwner)
	}

	return cart, nil
}

func (s *Service) loadCart(ctx context.Context, cartID uuid.UUID) (*domain.Cart, error) {
	cart, err := s.store.Carts().Get(ctx, cartID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCartNotFound
		}
		return nil, err
	}

	if cart.Reservations, err = s.store.Reservations().ListByCart(ctx, cartID); err != nil {
		return nil, err
	}

	return cart, nil
}

func (s *Service) departureChanged(ctx context.Context, departureID int64) {
	if s.changes != nil {
		s.changes.DepartureChanged(ctx, departureID)
	}
}

func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	if ttl < s.cfg.MinHoldTTL {
		return s.cfg.MinHoldTTL
	}

	if ttl > s.cfg.MaxHoldTTL {
		return s.cfg.MaxHoldTTL
	}

	return ttl
}
