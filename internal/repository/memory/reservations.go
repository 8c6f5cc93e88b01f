package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

type reservationRepo struct{ s *Store }

func (r reservationRepo) Insert(ctx context.Context, res *domain.Reservation) error {
	const op = "memory.ReservationRepo.Insert"

	defer r.s.lock(ctx)()

	st := r.s.st
	if _, ok := st.reservations[res.ID]; ok {
		return fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	key := seatKey{departureID: res.DepartureID, seat: res.SeatNumber}
	if res.State.Active() {
		if _, taken := st.active[key]; taken {
			return fmt.Errorf("%s: %w", op, repository.ErrConflict)
		}
		st.active[key] = res.ID
	}

	st.reservations[res.ID] = *res

	return nil
}

func (r reservationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "memory.ReservationRepo.Get"

	defer r.s.lock(ctx)()

	res, ok := r.s.st.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return &res, nil
}

func (r reservationRepo) GetMany(ctx context.Context, ids []uuid.UUID) ([]domain.Reservation, error) {
	defer r.s.lock(ctx)()

	out := make([]domain.Reservation, 0, len(ids))
	for _, id := range ids {
		if res, ok := r.s.st.reservations[id]; ok {
			out = append(out, res)
		}
	}

	return out, nil
}

func (r reservationRepo) ListByCart(ctx context.Context, cartID uuid.UUID) ([]domain.Reservation, error) {
	defer r.s.lock(ctx)()

	var out []domain.Reservation
	for _, res := range r.s.st.reservations {
		if res.CartID == cartID {
			out = append(out, res)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SeatNumber < out[j].SeatNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (r reservationRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	defer r.s.lock(ctx)()

	var out []domain.Reservation
	for _, res := range r.s.st.reservations {
		if res.Expirable(now) {
			out = append(out, res)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r reservationRepo) ExpireSeatIfStale(ctx context.Context, departureID int64, seat int, now time.Time) (bool, error) {
	defer r.s.lock(ctx)()

	id, ok := r.s.st.active[seatKey{departureID: departureID, seat: seat}]
	if !ok {
		return false, nil
	}

	res := r.s.st.reservations[id]
	if !res.Expirable(now) {
		return false, nil
	}

	r.s.release(res, domain.StateExpired, now)

	return true, nil
}

func (r reservationRepo) Release(ctx context.Context, id uuid.UUID, to domain.ReservationState, now time.Time) (bool, error) {
	const op = "memory.ReservationRepo.Release"

	if to != domain.StateExpired && to != domain.StateCancelled {
		return false, fmt.Errorf("%s: %w: release to %q", op, domain.ErrInvalidState, to)
	}

	defer r.s.lock(ctx)()

	res, ok := r.s.st.reservations[id]
	if !ok {
		return false, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	if to == domain.StateExpired && !res.Expirable(now) {
		return false, nil
	}
	if res.PaymentLocked(now) {
		return false, nil
	}

	if _, changed, err := domain.Transition(res.State, to); err != nil || !changed {
		return false, err
	}

	r.s.release(res, to, now)

	return true, nil
}

// release must be called with the store locked.
func (s *Store) release(res domain.Reservation, to domain.ReservationState, now time.Time) {
	res.State = to
	res.ExpiresAt = nil
	res.ReleasedAt = ptr(now)
	res.ActiveAttemptID = nil
	res.AttemptLockUntil = nil

	s.st.reservations[res.ID] = res
	delete(s.st.active, seatKey{departureID: res.DepartureID, seat: res.SeatNumber})
}

func (r reservationRepo) ExtendCart(ctx context.Context, cartID uuid.UUID, expiresAt, now time.Time) (int64, error) {
	defer r.s.lock(ctx)()

	var n int64
	for id, res := range r.s.st.reservations {
		if res.CartID != cartID || res.State != domain.StatePending || !res.ExpiresAt.After(now) {
			continue
		}
		res.ExpiresAt = ptr(expiresAt)
		r.s.st.reservations[id] = res
		n++
	}

	return n, nil
}

func (r reservationRepo) ClaimForPayment(
	ctx context.Context,
	ids []uuid.UUID,
	buyerID string,
	attemptID uuid.UUID,
	lockUntil, now time.Time,
) (int64, error) {
	defer r.s.lock(ctx)()

	var n int64
	for _, id := range ids {
		res, ok := r.s.st.reservations[id]
		if !ok || res.Buyer.ID != buyerID || res.State != domain.StatePending {
			continue
		}
		if !res.ExpiresAt.After(now) || res.PaymentLocked(now) {
			continue
		}
		res.ActiveAttemptID = ptr(attemptID)
		res.AttemptLockUntil = ptr(lockUntil)
		r.s.st.reservations[id] = res
		n++
	}

	return n, nil
}

func (r reservationRepo) ReleasePaymentClaim(ctx context.Context, attemptID uuid.UUID) error {
	defer r.s.lock(ctx)()

	for id, res := range r.s.st.reservations {
		if res.ActiveAttemptID != nil && *res.ActiveAttemptID == attemptID {
			res.ActiveAttemptID = nil
			res.AttemptLockUntil = nil
			r.s.st.reservations[id] = res
		}
	}

	return nil
}

func (r reservationRepo) Confirm(ctx context.Context, ids []uuid.UUID, attemptID uuid.UUID, now time.Time) (int64, error) {
	defer r.s.lock(ctx)()

	var n int64
	for _, id := range ids {
		res, ok := r.s.st.reservations[id]
		if !ok {
			continue
		}
		next, changed, err := domain.Transition(res.State, domain.StateConfirmed)
		if err != nil {
			return n, err
		}
		if !changed {
			continue
		}
		res.State = next
		res.ConfirmedAt = ptr(now)
		res.ConfirmedAttemptID = ptr(attemptID)
		res.ExpiresAt = nil
		res.ActiveAttemptID = nil
		res.AttemptLockUntil = nil
		r.s.st.reservations[id] = res
		n++
	}

	return n, nil
}

func ptr[T any](v T) *T {
	return &v
}
