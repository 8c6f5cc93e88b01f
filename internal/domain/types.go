package domain

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"
)

type DepartureStatus string

const (
	DepartureActive    DepartureStatus = "active"
	DepartureCancelled DepartureStatus = "cancelled"
	DepartureCompleted DepartureStatus = "completed"
)

// Departure is the catalog's view of a bus departure. The core only reads
// capacity, price and status, and moves the available-seats counter.
type Departure struct {
	ID             int64           `json:"id"`
	Capacity       int             `json:"capacity"`
	PriceCents     int64           `json:"price_cents"`
	Currency       string          `json:"currency"`
	Status         DepartureStatus `json:"status"`
	DepartsAt      time.Time       `json:"departs_at"`
	AvailableSeats int             `json:"available_seats"`
}

// Bookable reports whether seats on d may be held at now.
func (d Departure) Bookable(now time.Time) bool {
	return d.Status == DepartureActive && d.DepartsAt.After(now)
}

func (d Departure) HasSeat(seat int) bool {
	return seat >= 1 && seat <= d.Capacity
}

const guestPrefix = "guest:"

// Buyer identifies who holds a reservation: an account id or a guest contact.
type Buyer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// GuestBuyer opens a guest session. Every call yields a new id, so knowing
// a guest's contact never reaches that guest's reservations.
func GuestBuyer(name, contact string) Buyer {
	return Buyer{ID: guestPrefix + uuid.NewString(), Name: name, Contact: contact}
}

func (b Buyer) IsGuest() bool {
	return strings.HasPrefix(b.ID, guestPrefix)
}

type Reservation struct {
	ID                 uuid.UUID        `json:"id"`
	Code               string           `json:"code"`
	DepartureID        int64            `json:"departure_id"`
	SeatNumber         int              `json:"seat_number"`
	Buyer              Buyer            `json:"buyer"`
	AmountCents        int64            `json:"amount_cents"`
	Currency           string           `json:"currency"`
	State              ReservationState `json:"state"`
	CartID             uuid.UUID        `json:"cart_id"`
	CreatedAt          time.Time        `json:"created_at"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	ConfirmedAt        *time.Time       `json:"confirmed_at,omitempty"`
	ReleasedAt         *time.Time       `json:"released_at,omitempty"`
	ActiveAttemptID    *uuid.UUID       `json:"-"`
	AttemptLockUntil   *time.Time       `json:"-"`
	ConfirmedAttemptID *uuid.UUID       `json:"confirmed_attempt_id,omitempty"`
}

// Stale reports whether r is still pending although its TTL has elapsed.
func (r Reservation) Stale(now time.Time) bool {
	return r.State == StatePending && r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// PaymentLocked reports whether a payment attempt holds the advisory lock on r.
func (r Reservation) PaymentLocked(now time.Time) bool {
	return r.ActiveAttemptID != nil && r.AttemptLockUntil != nil && r.AttemptLockUntil.After(now)
}

// Expirable is the condition shared by the sweeper and the lazy pre-claim
// expiry: an in-flight payment keeps a stale hold alive until its lock lapses.
func (r Reservation) Expirable(now time.Time) bool {
	return r.Stale(now) && !r.PaymentLocked(now)
}

type CartState string

const (
	CartOpen      CartState = "open"
	CartConverted CartState = "converted"
	CartExpired   CartState = "expired"
)

// Cart groups reservations a buyer checks out together under one expiry.
type Cart struct {
	ID           uuid.UUID     `json:"id"`
	BuyerID      string        `json:"buyer_id"`
	State        CartState     `json:"state"`
	ExpiresAt    time.Time     `json:"expires_at"`
	CreatedAt    time.Time     `json:"created_at"`
	Reservations []Reservation `json:"reservations,omitempty"`
}

type PaymentState string

const (
	PaymentInitiated PaymentState = "initiated"
	PaymentPending   PaymentState = "pending"
	PaymentSucceeded PaymentState = "succeeded"
	PaymentFailed    PaymentState = "failed"
	PaymentCancelled PaymentState = "cancelled"
)

// Open reports whether an attempt in s may still change state.
func (s PaymentState) Open() bool {
	return s == PaymentInitiated || s == PaymentPending
}

type PaymentAttempt struct {
	ID             uuid.UUID         `json:"id"`
	ReservationIDs []uuid.UUID       `json:"reservation_ids"`
	BuyerID        string            `json:"buyer_id"`
	Method         string            `json:"method"`
	AmountCents    int64             `json:"amount_cents"`
	Currency       string            `json:"currency"`
	State          PaymentState      `json:"state"`
	ProviderRef    string            `json:"provider_ref,omitempty"`
	RedirectURL    string            `json:"redirect_url,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	SucceededAt    *time.Time        `json:"succeeded_at,omitempty"`
}

type Ticket struct {
	ID            uuid.UUID `json:"id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	Payload       []byte    `json:"payload"`
	IssuedAt      time.Time `json:"issued_at"`
}

type Availability struct {
	DepartureID int64 `json:"departure_id"`
	Capacity    int64 `json:"capacity"`
	Available   int64 `json:"available"`
	Held        int64 `json:"held"`
	Sold        int64 `json:"sold"`
}

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewReservationCode returns a short booking code printed on tickets.
func NewReservationCode() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		id := uuid.New()
		copy(b, id[:5])
	}
	return "TB-" + codeEncoding.EncodeToString(b)
}
