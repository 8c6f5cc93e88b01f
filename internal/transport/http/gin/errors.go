package httpgin

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	provider "github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/service/admin"
	"github.com/kirinyoku/tix-bus/internal/service/hold"
	"github.com/kirinyoku/tix-bus/internal/service/payment"
	"github.com/kirinyoku/tix-bus/internal/service/query"
	"github.com/kirinyoku/tix-bus/internal/service/sweeper"
)

type errorStatus struct {
	err    error
	status int
	msg    string
}

// errorStatuses is matched in order with errors.Is.
var errorStatuses = []errorStatus{
	// holds
	{hold.ErrSeatUnavailable, http.StatusConflict, "seat unavailable"},
	{hold.ErrDepartureNotFound, http.StatusNotFound, "departure not found"},
	{hold.ErrDepartureNotBookable, http.StatusUnprocessableEntity, "departure is not bookable"},
	{hold.ErrSeatOutOfRange, http.StatusUnprocessableEntity, "seat number out of range"},
	{hold.ErrReservationNotFound, http.StatusNotFound, "reservation not found"},
	{hold.ErrCartNotFound, http.StatusNotFound, "cart not found"},
	{hold.ErrCartNotPending, http.StatusConflict, "cart is no longer pending"},
	{hold.ErrHoldExpired, http.StatusGone, "hold expired"},
	{hold.ErrNotOwner, http.StatusForbidden, "not owner"},
	{hold.ErrPaymentInProgress, http.StatusConflict, "payment in progress"},
	{hold.ErrInvalidBuyer, http.StatusUnauthorized, "buyer identity required"},

	// payments
	{payment.ErrAttemptNotFound, http.StatusNotFound, "payment attempt not found"},
	{payment.ErrAttemptClosed, http.StatusConflict, "payment attempt is closed"},
	{payment.ErrReservationNotPending, http.StatusConflict, "reservation is no longer pending"},
	{payment.ErrReservationExpired, http.StatusGone, "reservation released before payment completed"},
	{payment.ErrNoReservations, http.StatusBadRequest, "no reservations"},
	{payment.ErrMixedCurrency, http.StatusUnprocessableEntity, "reservations are priced in different currencies"},
	{payment.ErrIdempotencyKeyRequired, http.StatusBadRequest, "Idempotency-Key header is required"},
	{payment.ErrIdempotencyKeyReused, http.StatusUnprocessableEntity, "Idempotency-Key was used for a different payment"},
	{payment.ErrInvalidProof, http.StatusBadRequest, "payment proof does not match the attempt"},
	{payment.ErrProviderRejected, http.StatusPaymentRequired, "payment rejected"},
	{payment.ErrProviderTransient, http.StatusServiceUnavailable, "payment provider unavailable"},
	{provider.ErrUnknownMethod, http.StatusBadRequest, "unknown payment method"},
	{provider.ErrWebhookUnsupported, http.StatusNotFound, "no webhooks for this provider"},
	{provider.ErrBadSignature, http.StatusBadRequest, "bad signature"},

	// queries and admin
	{query.ErrDepartureNotFound, http.StatusNotFound, "departure not found"},
	{admin.ErrInvalidDeparture, http.StatusUnprocessableEntity, "invalid departure"},
	{admin.ErrCapacityBelowClaims, http.StatusConflict, "capacity is below the seats already held or sold"},
	{admin.ErrAttemptNotFound, http.StatusNotFound, "payment attempt not found"},
	{admin.ErrNotCashPayment, http.StatusConflict, "not a cash payment"},
	{sweeper.ErrBusy, http.StatusConflict, "sweep already running"},
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var rl *hold.RateLimitedError
	if errors.As(err, &rl) {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many holds"})
		return
	}

	for _, es := range errorStatuses {
		if !errors.Is(err, es.err) {
			continue
		}

		resp := ErrorResponse{Error: es.msg}

		var re *payment.ReservationError
		if errors.As(err, &re) {
			resp.ReservationID = re.ReservationID.String()
		}

		c.JSON(es.status, resp)
		return
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}
