package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kirinyoku/tix-bus/internal/domain"
)

type TicketRepo struct {
	s *Store
}

// Insert issues at most one ticket per reservation. The payload is stored as
// text so the signed bytes come back unchanged.
func (r *TicketRepo) Insert(ctx context.Context, t *domain.Ticket) (*domain.Ticket, bool, error) {
	const op = "postgres.TicketRepo.Insert"

	var out domain.Ticket
	var payload string
	err := r.s.handle(ctx).QueryRow(ctx,
		`INSERT INTO tickets(id, reservation_id, payload, issued_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (reservation_id) DO NOTHING
		 RETURNING id, reservation_id, payload, issued_at`,
		t.ID, t.ReservationID, string(t.Payload), t.IssuedAt,
	).Scan(&out.ID, &out.ReservationID, &payload, &out.IssuedAt)
	if err == nil {
		out.Payload = []byte(payload)
		return &out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, wrapDBErr(op, err)
	}

	existing, err := r.GetByReservation(ctx, t.ReservationID)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

func (r *TicketRepo) GetByReservation(ctx context.Context, reservationID uuid.UUID) (*domain.Ticket, error) {
	const op = "postgres.TicketRepo.GetByReservation"

	var t domain.Ticket
	var payload string
	if err := r.s.handle(ctx).QueryRow(ctx,
		`SELECT id, reservation_id, payload, issued_at
		 FROM tickets WHERE reservation_id = $1`,
		reservationID,
	).Scan(&t.ID, &t.ReservationID, &payload, &t.IssuedAt); err != nil {
		return nil, wrapDBErr(op, err)
	}

	t.Payload = []byte(payload)
	return &t, nil
}

func (r *TicketRepo) ListByReservations(ctx context.Context, ids []uuid.UUID) ([]domain.Ticket, error) {
	const op = "postgres.TicketRepo.ListByReservations"

	rows, err := r.s.handle(ctx).Query(ctx,
		`SELECT id, reservation_id, payload, issued_at
		 FROM tickets
		 WHERE reservation_id = ANY($1)
		 ORDER BY array_position($1, reservation_id)`,
		ids,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		var payload string
		if err := rows.Scan(&t.ID, &t.ReservationID, &payload, &t.IssuedAt); err != nil {
			return nil, wrapDBErr(op, err)
		}
		t.Payload = []byte(payload)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}
