package httpgin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kirinyoku/tix-bus/internal/auth"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/service"
	"github.com/kirinyoku/tix-bus/internal/service/hold"
)

// @Summary  Hold a seat (idempotent)
// @Description Anonymous callers pass guest details and receive a guest token.
// @Param    req body  CreateHoldRequest true "payload"
// @Param    Idempotency-Key header string false "replay key"
// @Success  201 {object} HoldResponse
// @Failure  400 {object} ErrorResponse
// @Failure  404 {object} ErrorResponse "departure not found"
// @Failure  409 {object} ErrorResponse "seat unavailable"
// @Failure  422 {object} ErrorResponse "not bookable / seat out of range"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /holds [post]
func handleCreateHold(svcs *service.Services, tokens *auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateHoldRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		buyer, ok := buyerFrom(c)
		newGuest := !ok
		if newGuest {
			if req.Guest == nil || strings.TrimSpace(req.Guest.Contact) == "" {
				abort(c, http.StatusUnauthorized, "sign in or provide guest name and contact")
				return
			}
			buyer = domain.GuestBuyer(strings.TrimSpace(req.Guest.Name), strings.TrimSpace(req.Guest.Contact))
		} else if buyer.IsGuest() && req.Guest != nil {
			buyer.Name = strings.TrimSpace(req.Guest.Name)
		}

		var cartID uuid.UUID
		if req.CartID != "" {
			cartID = uuid.MustParse(req.CartID)
		}

		res, err := svcs.Holds.TryHold(c.Request.Context(), hold.HoldInput{
			DepartureID: req.DepartureID,
			SeatNumber:  req.SeatNumber,
			Buyer:       buyer,
			CartID:      cartID,
			TTL:         time.Duration(req.TTLSec) * time.Second,
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		out := HoldResponse{Reservation: res}
		if newGuest && tokens != nil {
			if out.GuestToken, err = tokens.IssueGuest(buyer); err != nil {
				respondErr(c, err)
				return
			}
		}

		c.JSON(http.StatusCreated, out)
	}
}

// @Summary  Cancel a hold
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} domain.Reservation
// @Failure  403 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "payment in progress"
// @Router   /holds/{id} [delete]
func handleCancelHold(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		buyer, _ := buyerFrom(c)

		res, err := svcs.Holds.Cancel(c.Request.Context(), id, buyer.ID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Get cart with reservations
// @Param    id  path  string  true  "Cart ID (uuid)"
// @Success  200 {object} domain.Cart
// @Failure  404 {object} ErrorResponse
// @Router   /carts/{id} [get]
func handleGetCart(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		buyer, _ := buyerFrom(c)

		cart, err := svcs.Holds.GetCart(c.Request.Context(), id, buyer.ID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, cart)
	}
}

// @Summary  Extend every hold of a cart
// @Param    id  path  string  true  "Cart ID (uuid)"
// @Param    req body  ExtendCartRequest false "payload"
// @Success  200 {object} domain.Cart
// @Failure  409 {object} ErrorResponse "cart not pending"
// @Failure  410 {object} ErrorResponse "hold expired"
// @Router   /carts/{id}/extend [post]
func handleExtendCart(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		var req ExtendCartRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		buyer, _ := buyerFrom(c)

		cart, err := svcs.Holds.Extend(c.Request.Context(), id, buyer.ID, time.Duration(req.TTLSec)*time.Second)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, cart)
	}
}
