// Package notify publishes booking events to whatever sink delivers them to
// buyers. Delivery is fire-and-forget: callers log failures and move on.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	BookingConfirmed Kind = "booking.confirmed"
	PaymentFailed    Kind = "payment.failed"
	// RefundRequired is raised when money was captured for reservations
	// that had already been released.
	RefundRequired Kind = "payment.refund_required"
)

type Event struct {
	ID             uuid.UUID   `json:"id"`
	Kind           Kind        `json:"kind"`
	AttemptID      uuid.UUID   `json:"attempt_id"`
	BuyerID        string      `json:"buyer_id"`
	BuyerName      string      `json:"buyer_name,omitempty"`
	Contact        string      `json:"contact,omitempty"`
	ReservationIDs []uuid.UUID `json:"reservation_ids"`
	TicketIDs      []uuid.UUID `json:"ticket_ids,omitempty"`
	AmountCents    int64       `json:"amount_cents"`
	Currency       string      `json:"currency"`
	Reason         string      `json:"reason,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

func encode(ev Event) ([]byte, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	return json.Marshal(ev)
}

// Log writes events to the application log. It is the sink for local runs.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(ctx context.Context, ev Event) error {
	l.log.InfoContext(ctx, "notification",
		slog.String("kind", string(ev.Kind)),
		slog.String("attempt_id", ev.AttemptID.String()),
		slog.String("buyer_id", ev.BuyerID),
		slog.Int("reservations", len(ev.ReservationIDs)),
	)
	return nil
}
