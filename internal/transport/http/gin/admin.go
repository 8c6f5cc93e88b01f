package httpgin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/service"
)

// @Summary  Sync a departure from the catalog
// @Param    id  path  int  true  "Departure ID"
// @Param    req body  UpsertDepartureRequest true "payload"
// @Success  200 {object} domain.Departure
// @Failure  409 {object} ErrorResponse "capacity below active claims"
// @Failure  422 {object} ErrorResponse
// @Security BearerAuth
// @Router   /admin/departures/{id} [put]
func handleUpsertDeparture(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req UpsertDepartureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		departs, err := parseRFC3339(req.DepartsAt)
		if err != nil {
			badRequest(c, "invalid departs_at (RFC3339)")
			return
		}

		d, err := svcs.Admin.UpsertDeparture(c.Request.Context(), domain.Departure{
			ID:         id,
			Capacity:   req.Capacity,
			PriceCents: req.PriceCents,
			Currency:   req.Currency,
			Status:     req.Status,
			DepartsAt:  departs,
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, d)
	}
}

// @Summary  Cancel any buyer's hold
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} domain.Reservation
// @Failure  409 {object} ErrorResponse "payment in progress"
// @Security BearerAuth
// @Router   /admin/reservations/{id}/cancel [post]
func handleAdminCancel(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		res, err := svcs.Admin.CancelReservation(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Record a cash payment received at the counter
// @Param    id  path  string  true  "Attempt ID (uuid)"
// @Success  200 {object} PaymentResponse
// @Failure  409 {object} ErrorResponse "not a cash attempt"
// @Security BearerAuth
// @Router   /admin/payments/{id}/cash-receipt [post]
func handleCashReceipt(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		claims, _ := claimsFrom(c)

		conf, err := svcs.Admin.RecordCashReceipt(c.Request.Context(), id, claims.Subject)
		if err != nil {
			respondErr(c, err)
			return
		}

		writePayment(c, conf)
	}
}

// @Summary  Run the expiration sweep now
// @Success  200 {object} SweepResponse
// @Failure  409 {object} ErrorResponse "sweep already running"
// @Security BearerAuth
// @Router   /admin/sweeps [post]
func handleSweep(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svcs.Sweeper.RunOnce(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, toSweepResponse(report))
	}
}
