package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

type paymentRepo struct{ s *Store }

func cloneAttempt(a domain.PaymentAttempt) domain.PaymentAttempt {
	a.ReservationIDs = slices.Clone(a.ReservationIDs)
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

func (r paymentRepo) Create(ctx context.Context, a *domain.PaymentAttempt) error {
	const op = "memory.PaymentRepo.Create"

	defer r.s.lock(ctx)()

	if _, ok := r.s.st.attempts[a.ID]; ok {
		return fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	key := idemKey{buyerID: a.BuyerID, key: a.IdempotencyKey}
	if _, ok := r.s.st.idem[key]; ok {
		return fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	r.s.st.attempts[a.ID] = cloneAttempt(*a)
	r.s.st.idem[key] = a.ID

	return nil
}

func (r paymentRepo) Get(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	const op = "memory.PaymentRepo.Get"

	defer r.s.lock(ctx)()

	a, ok := r.s.st.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	a = cloneAttempt(a)
	return &a, nil
}

func (r paymentRepo) GetByIdempotencyKey(ctx context.Context, buyerID, key string) (*domain.PaymentAttempt, error) {
	const op = "memory.PaymentRepo.GetByIdempotencyKey"

	defer r.s.lock(ctx)()

	id, ok := r.s.st.idem[idemKey{buyerID: buyerID, key: key}]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	a := cloneAttempt(r.s.st.attempts[id])
	return &a, nil
}

func (r paymentRepo) GetByProviderRef(ctx context.Context, method, ref string) (*domain.PaymentAttempt, error) {
	const op = "memory.PaymentRepo.GetByProviderRef"

	defer r.s.lock(ctx)()

	if ref != "" {
		for _, a := range r.s.st.attempts {
			if a.Method == method && a.ProviderRef == ref {
				a = cloneAttempt(a)
				return &a, nil
			}
		}
	}

	return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
}

func (r paymentRepo) SetHandle(ctx context.Context, id uuid.UUID, ref, redirectURL string, now time.Time) error {
	const op = "memory.PaymentRepo.SetHandle"

	defer r.s.lock(ctx)()

	a, ok := r.s.st.attempts[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	if !a.State.Open() {
		return nil
	}

	a = cloneAttempt(a)
	a.ProviderRef = ref
	a.RedirectURL = redirectURL
	a.State = domain.PaymentPending
	a.UpdatedAt = now
	r.s.st.attempts[id] = a

	return nil
}

func (r paymentRepo) Transition(
	ctx context.Context,
	id uuid.UUID,
	to domain.PaymentState,
	reason string,
	now time.Time,
) (bool, error) {
	const op = "memory.PaymentRepo.Transition"

	defer r.s.lock(ctx)()

	a, ok := r.s.st.attempts[id]
	if !ok {
		return false, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	if !a.State.Open() {
		return false, nil
	}

	a = cloneAttempt(a)
	a.State = to
	a.FailureReason = reason
	a.UpdatedAt = now
	if to == domain.PaymentSucceeded {
		a.SucceededAt = ptr(now)
	}
	r.s.st.attempts[id] = a

	return true, nil
}

func (r paymentRepo) ListOpen(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentAttempt, error) {
	defer r.s.lock(ctx)()

	var out []domain.PaymentAttempt
	for _, a := range r.s.st.attempts {
		if a.State.Open() && a.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneAttempt(a))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
