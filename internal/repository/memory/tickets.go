package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

type ticketRepo struct{ s *Store }

func (r ticketRepo) Insert(ctx context.Context, t *domain.Ticket) (*domain.Ticket, bool, error) {
	defer r.s.lock(ctx)()

	if existing, ok := r.s.st.tickets[t.ReservationID]; ok {
		existing.Payload = slices.Clone(existing.Payload)
		return &existing, false, nil
	}

	stored := *t
	stored.Payload = slices.Clone(t.Payload)
	r.s.st.tickets[t.ReservationID] = stored

	out := stored
	out.Payload = slices.Clone(stored.Payload)
	return &out, true, nil
}

func (r ticketRepo) GetByReservation(ctx context.Context, reservationID uuid.UUID) (*domain.Ticket, error) {
	const op = "memory.TicketRepo.GetByReservation"

	defer r.s.lock(ctx)()

	t, ok := r.s.st.tickets[reservationID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	t.Payload = slices.Clone(t.Payload)
	return &t, nil
}

func (r ticketRepo) ListByReservations(ctx context.Context, ids []uuid.UUID) ([]domain.Ticket, error) {
	defer r.s.lock(ctx)()

	out := make([]domain.Ticket, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.s.st.tickets[id]; ok {
			t.Payload = slices.Clone(t.Payload)
			out = append(out, t)
		}
	}

	return out, nil
}
