package memory

import (
	"context"
	"fmt"

	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

type departureRepo struct{ s *Store }

func (r departureRepo) Get(ctx context.Context, id int64) (*domain.Departure, error) {
	const op = "memory.DepartureRepo.Get"

	defer r.s.lock(ctx)()

	d, ok := r.s.st.departures[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return &d, nil
}

func (r departureRepo) Upsert(ctx context.Context, d domain.Departure) (*domain.Departure, error) {
	const op = "memory.DepartureRepo.Upsert"

	defer r.s.lock(ctx)()

	claimed := 0
	for key := range r.s.st.active {
		if key.departureID == d.ID {
			claimed++
		}
	}

	if d.Capacity < claimed {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrConstraint)
	}

	d.AvailableSeats = d.Capacity - claimed
	r.s.st.departures[d.ID] = d

	return &d, nil
}

func (r departureRepo) TakeSeat(ctx context.Context, id int64) error {
	const op = "memory.DepartureRepo.TakeSeat"

	defer r.s.lock(ctx)()

	d, ok := r.s.st.departures[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	if d.AvailableSeats <= 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrSeatsUnavailable)
	}

	d.AvailableSeats--
	r.s.st.departures[id] = d

	return nil
}

func (r departureRepo) ReturnSeats(ctx context.Context, id int64, n int) error {
	const op = "memory.DepartureRepo.ReturnSeats"

	defer r.s.lock(ctx)()

	d, ok := r.s.st.departures[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	d.AvailableSeats = min(d.Capacity, d.AvailableSeats+n)
	r.s.st.departures[id] = d

	return nil
}

func (r departureRepo) Availability(ctx context.Context, id int64) (*domain.Availability, error) {
	const op = "memory.DepartureRepo.Availability"

	defer r.s.lock(ctx)()

	d, ok := r.s.st.departures[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	a := domain.Availability{
		DepartureID: id,
		Capacity:    int64(d.Capacity),
		Available:   int64(d.AvailableSeats),
	}
	for key, rid := range r.s.st.active {
		if key.departureID != id {
			continue
		}
		switch r.s.st.reservations[rid].State {
		case domain.StatePending:
			a.Held++
		case domain.StateConfirmed:
			a.Sold++
		}
	}

	return &a, nil
}
