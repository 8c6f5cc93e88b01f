package ticket_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository/memory"
	"github.com/kirinyoku/tix-bus/internal/ticket"
)

var start = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func confirmed() *domain.Reservation {
	return &domain.Reservation{
		ID:          uuid.New(),
		Code:        "TB-ABCDEFGH",
		DepartureID: 100,
		SeatNumber:  12,
		Buyer:       domain.GuestBuyer("Awa Diop", "+221770000000"),
		State:       domain.StateConfirmed,
	}
}

func newIssuer(t *testing.T) (*ticket.Issuer, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(start)
	log := slog.New(slog.DiscardHandler)
	return ticket.NewIssuer(memory.NewStore().Tickets(), []byte("s3cret"), 24*time.Hour, clk, log), clk
}

func TestIssueIsReentrant(t *testing.T) {
	iss, clk := newIssuer(t)
	ctx := context.Background()
	res := confirmed()

	first, err := iss.Issue(ctx, res)
	require.NoError(t, err)

	clk.Advance(time.Minute)

	second, err := iss.Issue(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Payload, second.Payload)
}

func TestIssueRequiresConfirmed(t *testing.T) {
	iss, _ := newIssuer(t)
	res := confirmed()
	res.State = domain.StatePending

	_, err := iss.Issue(context.Background(), res)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestPayloadShape(t *testing.T) {
	iss, _ := newIssuer(t)
	res := confirmed()

	raw, err := iss.Sign(res, start)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, k := range []string{"version", "reservation", "buyer", "issuedAt", "checksum", "signature"} {
		assert.Contains(t, fields, k)
	}

	var p ticket.Payload
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, ticket.Checksum(res.ID, 12, res.Buyer.ID, 100), p.Checksum)
	assert.Len(t, p.Signature, 64)
}

func TestValidate(t *testing.T) {
	iss, clk := newIssuer(t)
	raw, err := iss.Sign(confirmed(), start)
	require.NoError(t, err)

	assert.Equal(t, ticket.Valid, iss.Validate(raw))

	clk.Advance(24 * time.Hour)
	assert.Equal(t, ticket.Valid, iss.Validate(raw), "window is inclusive")

	clk.Advance(time.Second)
	assert.Equal(t, ticket.Expired, iss.Validate(raw))

	_, err = iss.Check(raw)
	require.ErrorIs(t, err, ticket.ErrExpired)
}

func TestValidate_AnyFlippedByteIsTampered(t *testing.T) {
	iss, _ := newIssuer(t)
	raw, err := iss.Sign(confirmed(), start)
	require.NoError(t, err)

	for i := range raw {
		for _, mask := range []byte{0x01, 0x20} {
			flipped := append([]byte(nil), raw...)
			flipped[i] ^= mask
			assert.Equal(t, ticket.Tampered, iss.Validate(flipped), "byte %d mask %#x", i, mask)
		}
	}
}

func TestValidate_OtherSecret(t *testing.T) {
	iss, _ := newIssuer(t)
	raw, err := iss.Sign(confirmed(), start)
	require.NoError(t, err)

	other := ticket.NewIssuer(nil, []byte("other"), 0, clock.NewManual(start), slog.New(slog.DiscardHandler))
	assert.Equal(t, ticket.Tampered, other.Validate(raw))
	assert.Equal(t, ticket.Tampered, iss.Validate([]byte(`{}`)))
	assert.Equal(t, ticket.Tampered, iss.Validate(append(raw, ' ')))
}

func TestHTTPRenderer(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	tk := domain.Ticket{ID: uuid.New(), Payload: []byte(`{"version":1}`)}
	require.NoError(t, ticket.NewHTTPRenderer(srv.URL, srv.Client()).Render(context.Background(), tk))
	assert.Equal(t, tk.Payload, got)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(failing.Close)

	require.Error(t, ticket.NewHTTPRenderer(failing.URL, failing.Client()).Render(context.Background(), tk))
}
