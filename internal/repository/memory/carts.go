package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

type cartRepo struct{ s *Store }

func (r cartRepo) Create(ctx context.Context, c *domain.Cart) error {
	const op = "memory.CartRepo.Create"

	defer r.s.lock(ctx)()

	if _, ok := r.s.st.carts[c.ID]; ok {
		return fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	stored := *c
	stored.Reservations = nil
	r.s.st.carts[c.ID] = stored

	return nil
}

func (r cartRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Cart, error) {
	const op = "memory.CartRepo.Get"

	defer r.s.lock(ctx)()

	c, ok := r.s.st.carts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return &c, nil
}

func (r cartRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Cart, error) {
	return r.Get(ctx, id)
}

func (r cartRepo) SetExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	const op = "memory.CartRepo.SetExpiry"

	defer r.s.lock(ctx)()

	c, ok := r.s.st.carts[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	c.ExpiresAt = expiresAt
	r.s.st.carts[id] = c

	return nil
}

func (r cartRepo) Settle(ctx context.Context, id uuid.UUID) (bool, error) {
	defer r.s.lock(ctx)()

	return r.s.settle(id), nil
}

func (r cartRepo) SettleDrained(ctx context.Context) (int64, error) {
	defer r.s.lock(ctx)()

	var n int64
	for id, c := range r.s.st.carts {
		if c.State == domain.CartOpen && r.s.settle(id) {
			n++
		}
	}

	return n, nil
}

// settle must be called with the store locked.
func (s *Store) settle(id uuid.UUID) bool {
	c, ok := s.st.carts[id]
	if !ok || c.State != domain.CartOpen {
		return false
	}

	confirmed := false
	for _, res := range s.st.reservations {
		if res.CartID != id {
			continue
		}
		switch res.State {
		case domain.StatePending:
			return false
		case domain.StateConfirmed:
			confirmed = true
		}
	}

	c.State = domain.CartExpired
	if confirmed {
		c.State = domain.CartConverted
	}
	s.st.carts[id] = c

	return true
}
