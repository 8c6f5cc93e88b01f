package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

type CartRepo struct {
	s *Store
}

// settleSQL closes open carts with no pending member. A cart with any
// confirmed member is converted, the rest expire.
const settleSQL = `UPDATE carts c
	SET state = CASE
	      WHEN EXISTS (SELECT 1 FROM reservations r WHERE r.cart_id = c.id AND r.state = 'confirmed')
	      THEN 'converted' ELSE 'expired' END
	WHERE c.state = 'open'
	  AND NOT EXISTS (SELECT 1 FROM reservations r WHERE r.cart_id = c.id AND r.state = 'pending')`

func (r *CartRepo) Create(ctx context.Context, c *domain.Cart) error {
	const op = "postgres.CartRepo.Create"

	if _, err := r.s.handle(ctx).Exec(ctx,
		`INSERT INTO carts(id, buyer_id, state, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.BuyerID, string(c.State), c.ExpiresAt, c.CreatedAt,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *CartRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Cart, error) {
	return r.get(ctx, "postgres.CartRepo.Get", id, "")
}

// GetForUpdate reads the cart under a row lock, serializing hold and extend
// calls on the same cart.
func (r *CartRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Cart, error) {
	return r.get(ctx, "postgres.CartRepo.GetForUpdate", id, " FOR UPDATE")
}

func (r *CartRepo) get(ctx context.Context, op string, id uuid.UUID, suffix string) (*domain.Cart, error) {
	var c domain.Cart
	if err := r.s.handle(ctx).QueryRow(ctx,
		`SELECT id, buyer_id, state, expires_at, created_at
		 FROM carts WHERE id = $1`+suffix,
		id,
	).Scan(&c.ID, &c.BuyerID, &c.State, &c.ExpiresAt, &c.CreatedAt); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &c, nil
}

func (r *CartRepo) SetExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	const op = "postgres.CartRepo.SetExpiry"

	tag, err := r.s.handle(ctx).Exec(ctx,
		`UPDATE carts SET expires_at = $2 WHERE id = $1`,
		id, expiresAt,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return nil
}

func (r *CartRepo) Settle(ctx context.Context, id uuid.UUID) (bool, error) {
	const op = "postgres.CartRepo.Settle"

	tag, err := r.s.handle(ctx).Exec(ctx, settleSQL+` AND c.id = $1`, id)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *CartRepo) SettleDrained(ctx context.Context) (int64, error) {
	const op = "postgres.CartRepo.SettleDrained"

	tag, err := r.s.handle(ctx).Exec(ctx, settleSQL)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	return tag.RowsAffected(), nil
}
