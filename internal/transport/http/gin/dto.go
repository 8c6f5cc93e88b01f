package httpgin

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/service/payment"
	"github.com/kirinyoku/tix-bus/internal/service/sweeper"
	"github.com/kirinyoku/tix-bus/internal/ticket"
)

type GuestInput struct {
	Name    string `json:"name" binding:"required"`
	Contact string `json:"contact" binding:"required"`
}

type CreateHoldRequest struct {
	DepartureID int64       `json:"departure_id" binding:"required,gt=0"`
	SeatNumber  int         `json:"seat_number" binding:"required,gt=0"`
	CartID      string      `json:"cart_id" binding:"omitempty,uuid"`
	TTLSec      int         `json:"ttl_sec" binding:"gte=0"`
	Guest       *GuestInput `json:"guest"`
}

// HoldResponse is the held reservation. GuestToken is set when the hold
// opened a guest session; later guest calls send it as a bearer token.
type HoldResponse struct {
	*domain.Reservation
	GuestToken string `json:"guest_token,omitempty"`
}

type ExtendCartRequest struct {
	TTLSec int `json:"ttl_sec" binding:"gte=0"`
}

type CreatePaymentRequest struct {
	ReservationIDs []string          `json:"reservation_ids" binding:"required,min=1,dive,uuid"`
	Method         string            `json:"method" binding:"required"`
	Metadata       map[string]string `json:"metadata"`
}

type ConfirmPaymentRequest struct {
	SessionID string `json:"session_id"`
}

type UpsertDepartureRequest struct {
	Capacity   int                    `json:"capacity" binding:"required,gt=0"`
	PriceCents int64                  `json:"price_cents" binding:"gte=0"`
	Currency   string                 `json:"currency" binding:"required,len=3"`
	Status     domain.DepartureStatus `json:"status"`
	DepartsAt  string                 `json:"departs_at" binding:"required"`
}

type ErrorResponse struct {
	Error         string `json:"error"`
	ReservationID string `json:"reservation_id,omitempty"`
}

// TicketResponse carries the signed payload verbatim so it can be verified
// byte for byte.
type TicketResponse struct {
	ID            uuid.UUID       `json:"id"`
	ReservationID uuid.UUID       `json:"reservation_id"`
	IssuedAt      time.Time       `json:"issued_at"`
	Payload       json.RawMessage `json:"payload"`
}

type PaymentResponse struct {
	Attempt      *domain.PaymentAttempt `json:"attempt"`
	Status       payment.Status         `json:"status"`
	Reservations []domain.Reservation   `json:"reservations,omitempty"`
	Tickets      []TicketResponse       `json:"tickets,omitempty"`
}

type VerifyTicketResponse struct {
	Result ticket.Result   `json:"result"`
	Ticket *ticket.Payload `json:"ticket,omitempty"`
}

type SweepResponse struct {
	Expired      int                     `json:"expired"`
	Skipped      int                     `json:"skipped"`
	Failed       int                     `json:"failed"`
	CartsExpired int64                   `json:"carts_expired"`
	Payments     payment.ReconcileReport `json:"payments"`
}

func toPaymentResponse(c *payment.Confirmation) PaymentResponse {
	out := PaymentResponse{
		Attempt:      c.Attempt,
		Status:       c.Status,
		Reservations: c.Reservations,
	}
	for _, t := range c.Tickets {
		out.Tickets = append(out.Tickets, TicketResponse{
			ID:            t.ID,
			ReservationID: t.ReservationID,
			IssuedAt:      t.IssuedAt,
			Payload:       json.RawMessage(t.Payload),
		})
	}
	return out
}

func toSweepResponse(r sweeper.Report) SweepResponse {
	return SweepResponse{
		Expired:      r.Expired,
		Skipped:      r.Skipped,
		Failed:       r.Failed,
		CartsExpired: r.CartsExpired,
		Payments:     r.Payments,
	}
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
