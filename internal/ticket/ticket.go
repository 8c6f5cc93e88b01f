// Package ticket signs and validates the JSON payload printed on a ticket.
package ticket

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
)

const PayloadVersion = 1

var (
	ErrTampered = errors.New("ticket payload tampered")
	ErrExpired  = errors.New("ticket expired")
)

type Result string

const (
	Valid    Result = "valid"
	Tampered Result = "tampered"
	Expired  Result = "expired"
)

type ReservationRef struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	Seat      int       `json:"seat"`
	Departure int64     `json:"departure"`
}

type BuyerRef struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// Payload is the signed ticket body. Field order is the canonical order.
type Payload struct {
	Version     int            `json:"version"`
	Reservation ReservationRef `json:"reservation"`
	Buyer       BuyerRef       `json:"buyer"`
	IssuedAt    time.Time      `json:"issuedAt"`
	Checksum    string         `json:"checksum"`
	Signature   string         `json:"signature,omitempty"`
}

type Issuer struct {
	tickets  repository.TicketRepository
	secret   []byte
	validity time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

func NewIssuer(
	tickets repository.TicketRepository,
	secret []byte,
	validity time.Duration,
	clk clock.Clock,
	log *slog.Logger,
) *Issuer {
	if validity <= 0 {
		validity = 24 * time.Hour
	}

	return &Issuer{
		tickets:  tickets,
		secret:   secret,
		validity: validity,
		clock:    clk,
		log:      log,
	}
}

// Issue stores the ticket of a confirmed reservation. Calling it again for the
// same reservation returns the ticket issued first.
func (i *Issuer) Issue(ctx context.Context, res *domain.Reservation) (*domain.Ticket, error) {
	const op = "ticket.Issuer.Issue"

	if res.State != domain.StateConfirmed {
		return nil, fmt.Errorf("%s: %w: reservation is %s", op, domain.ErrInvalidState, res.State)
	}

	issuedAt := i.clock.Now().UTC().Truncate(time.Second)

	payload, err := i.Sign(res, issuedAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	t, created, err := i.tickets.Insert(ctx, &domain.Ticket{
		ID:            uuid.New(),
		ReservationID: res.ID,
		Payload:       payload,
		IssuedAt:      issuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if created {
		i.log.Info("ticket issued",
			slog.String("reservation_id", res.ID.String()),
			slog.String("ticket_id", t.ID.String()),
		)
	}

	return t, nil
}

// Sign builds the canonical signed payload for a reservation.
func (i *Issuer) Sign(res *domain.Reservation, issuedAt time.Time) ([]byte, error) {
	p := Payload{
		Version: PayloadVersion,
		Reservation: ReservationRef{
			ID:        res.ID,
			Code:      res.Code,
			Seat:      res.SeatNumber,
			Departure: res.DepartureID,
		},
		Buyer:    BuyerRef{Name: res.Buyer.Name, Contact: res.Buyer.Contact},
		IssuedAt: issuedAt.UTC(),
		Checksum: Checksum(res.ID, res.SeatNumber, res.Buyer.ID, res.DepartureID),
	}

	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	p.Signature = i.mac(unsigned)

	return json.Marshal(p)
}

// Checksum digests the reservation, seat, buyer and departure a ticket was
// issued for. It travels in the payload and the signature covers it.
func Checksum(reservationID uuid.UUID, seat int, buyerID string, departureID int64) string {
	sum := sha256.Sum256([]byte(reservationID.String() + "|" +
		strconv.Itoa(seat) + "|" +
		buyerID + "|" +
		strconv.FormatInt(departureID, 10)))
	return hex.EncodeToString(sum[:])
}

// Check decodes and authenticates a payload.
//
// Returns:
//   - *Payload: the decoded payload, also on ErrExpired.
//   - error: ErrTampered if the bytes are not the canonical signed encoding.
//   - error: ErrExpired if issuedAt is older than the validity window.
func (i *Issuer) Check(raw []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTampered, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrTampered)
	}

	if p.Version != PayloadVersion || p.Signature == "" {
		return nil, ErrTampered
	}

	canonical, err := json.Marshal(p)
	if err != nil || !bytes.Equal(canonical, raw) {
		return nil, fmt.Errorf("%w: not canonical", ErrTampered)
	}

	sig := p.Signature
	p.Signature = ""

	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTampered, err)
	}

	if !hmac.Equal([]byte(sig), []byte(i.mac(unsigned))) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrTampered)
	}
	p.Signature = sig

	if i.clock.Now().Sub(p.IssuedAt) > i.validity {
		return &p, ErrExpired
	}

	return &p, nil
}

// Validate classifies a payload. Integrity violations are always logged.
func (i *Issuer) Validate(raw []byte) Result {
	p, err := i.Check(raw)
	switch {
	case err == nil:
		return Valid
	case errors.Is(err, ErrExpired):
		i.log.Error("expired ticket presented",
			slog.String("reservation_id", p.Reservation.ID.String()),
			slog.Time("issued_at", p.IssuedAt),
		)
		return Expired
	default:
		i.log.Error("tampered ticket presented", slog.Any("err", err), slog.Int("bytes", len(raw)))
		return Tampered
	}
}

func (i *Issuer) mac(b []byte) string {
	m := hmac.New(sha256.New, i.secret)
	m.Write(b)
	return hex.EncodeToString(m.Sum(nil))
}
