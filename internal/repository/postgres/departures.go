package postgres

import (
	"context"
	"fmt"

	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

type DepartureRepo struct {
	s *Store
}

const departureColumns = `id, capacity, price_cents, currency, status, departs_at, available_seats`

func scanDeparture(row interface{ Scan(...any) error }) (*domain.Departure, error) {
	var d domain.Departure
	if err := row.Scan(
		&d.ID, &d.Capacity, &d.PriceCents, &d.Currency, &d.Status, &d.DepartsAt, &d.AvailableSeats,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

// Get retrieves a departure by its ID.
//
// Returns:
//   - *domain.Departure: the departure when found.
//   - error: repository.ErrNotFound if the departure is not found.
func (r *DepartureRepo) Get(ctx context.Context, id int64) (*domain.Departure, error) {
	const op = "postgres.DepartureRepo.Get"

	d, err := scanDeparture(r.s.handle(ctx).QueryRow(ctx,
		`SELECT `+departureColumns+`
		 FROM departures WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return d, nil
}

// Upsert creates or replaces a departure's catalog fields. The counter is
// recomputed from active claims while the row is locked, so claims and
// releases that commit concurrently are counted. Shrinking capacity below
// them violates the non-negative check and yields repository.ErrConstraint.
func (r *DepartureRepo) Upsert(ctx context.Context, d domain.Departure) (*domain.Departure, error) {
	const op = "postgres.DepartureRepo.Upsert"

	var out *domain.Departure

	err := r.s.WithTx(ctx, func(ctx context.Context) error {
		db := r.s.handle(ctx)

		// Claims and releases update this row, so holding its lock orders
		// them around the recount below.
		if _, err := db.Exec(ctx, `SELECT 1 FROM departures WHERE id = $1 FOR UPDATE`, d.ID); err != nil {
			return err
		}

		if _, err := db.Exec(ctx,
			`INSERT INTO departures(id, capacity, price_cents, currency, status, departs_at, available_seats)
			 VALUES ($1, $2, $3, $4, $5, $6, $2)
			 ON CONFLICT (id) DO UPDATE
			 SET capacity = EXCLUDED.capacity,
			     price_cents = EXCLUDED.price_cents,
			     currency = EXCLUDED.currency,
			     status = EXCLUDED.status,
			     departs_at = EXCLUDED.departs_at,
			     available_seats = LEAST(departures.available_seats, EXCLUDED.capacity),
			     updated_at = now()`,
			d.ID, d.Capacity, d.PriceCents, d.Currency, string(d.Status), d.DepartsAt,
		); err != nil {
			return err
		}

		// A fresh statement snapshot: every claim that held the lock before
		// us has committed by now.
		var err error
		out, err = scanDeparture(db.QueryRow(ctx,
			`UPDATE departures
			 SET available_seats = capacity - (SELECT count(*) FROM reservations
			                                   WHERE departure_id = $1 AND state IN ('pending', 'confirmed'))
			 WHERE id = $1
			 RETURNING `+departureColumns,
			d.ID,
		))
		return err
	})
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *DepartureRepo) TakeSeat(ctx context.Context, id int64) error {
	const op = "postgres.DepartureRepo.TakeSeat"

	db := r.s.handle(ctx)

	tag, err := db.Exec(ctx,
		`UPDATE departures
		 SET available_seats = available_seats - 1
		 WHERE id = $1 AND available_seats > 0`,
		id,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s: %w", op, repository.ErrSeatsUnavailable)
}

func (r *DepartureRepo) ReturnSeats(ctx context.Context, id int64, n int) error {
	const op = "postgres.DepartureRepo.ReturnSeats"

	tag, err := r.s.handle(ctx).Exec(ctx,
		`UPDATE departures
		 SET available_seats = LEAST(capacity, available_seats + $2)
		 WHERE id = $1`,
		id, n,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return nil
}

// Availability reports the counter next to held and sold seat counts.
func (r *DepartureRepo) Availability(ctx context.Context, id int64) (*domain.Availability, error) {
	const op = "postgres.DepartureRepo.Availability"

	var a domain.Availability
	err := r.s.handle(ctx).QueryRow(ctx,
		`SELECT d.id, d.capacity, d.available_seats,
		        count(r.id) FILTER (WHERE r.state = 'pending'),
		        count(r.id) FILTER (WHERE r.state = 'confirmed')
		 FROM departures d
		 LEFT JOIN reservations r
		   ON r.departure_id = d.id AND r.state IN ('pending', 'confirmed')
		 WHERE d.id = $1
		 GROUP BY d.id`,
		id,
	).Scan(&a.DepartureID, &a.Capacity, &a.Available, &a.Held, &a.Sold)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &a, nil
}
