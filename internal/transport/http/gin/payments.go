package httpgin

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	provider "github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/service"
	"github.com/kirinyoku/tix-bus/internal/service/payment"
)

const maxWebhookBody = 1 << 20

// @Summary  Open a payment attempt (idempotent)
// @Param    req body  CreatePaymentRequest true "payload"
// @Param    Idempotency-Key header string true "client key, also the attempt key"
// @Success  201 {object} domain.PaymentAttempt
// @Success  202 {object} domain.PaymentAttempt "provider unreachable, retry with the same key"
// @Failure  402 {object} ErrorResponse "rejected by provider"
// @Failure  403 {object} ErrorResponse "not owner"
// @Failure  409 {object} ErrorResponse "payment in progress / reservation not pending"
// @Failure  410 {object} ErrorResponse "hold expired"
// @Router   /payments [post]
func handleCreatePayment(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreatePaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		ids := make([]uuid.UUID, 0, len(req.ReservationIDs))
		for _, s := range req.ReservationIDs {
			ids = append(ids, uuid.MustParse(s))
		}
		buyer, _ := buyerFrom(c)

		a, err := svcs.Payments.InitiatePayment(c.Request.Context(), payment.InitiateInput{
			Buyer:          buyer,
			ReservationIDs: ids,
			Method:         req.Method,
			Metadata:       req.Metadata,
			IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		})
		if err != nil {
			if errors.Is(err, payment.ErrProviderTransient) && a != nil {
				c.Header("Retry-After", "5")
				c.JSON(http.StatusAccepted, a)
				return
			}
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, a)
	}
}

// @Summary  Confirm a payment after the provider round trip
// @Param    id  path  string  true  "Attempt ID (uuid)"
// @Param    req body  ConfirmPaymentRequest false "provider return parameters"
// @Success  200 {object} PaymentResponse "confirmed with tickets"
// @Success  202 {object} PaymentResponse "still pending"
// @Failure  402 {object} ErrorResponse "rejected by provider"
// @Failure  410 {object} ErrorResponse "reservation released before capture"
// @Router   /payments/{id}/confirm [post]
func handleConfirmPayment(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		var req ConfirmPaymentRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		buyer, _ := buyerFrom(c)
		ctx := c.Request.Context()

		if _, err := svcs.Payments.GetPayment(ctx, id, buyer.ID); err != nil {
			respondErr(c, err)
			return
		}

		conf, err := svcs.Payments.ConfirmPayment(ctx, id, provider.Proof{SessionID: req.SessionID})
		if err != nil {
			respondErr(c, err)
			return
		}

		writePayment(c, conf)
	}
}

// @Summary  Poll a payment attempt
// @Param    id  path  string  true  "Attempt ID (uuid)"
// @Success  200 {object} PaymentResponse
// @Failure  403 {object} ErrorResponse
// @Failure  404 {object} ErrorResponse
// @Router   /payments/{id} [get]
func handleGetPayment(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		buyer, _ := buyerFrom(c)

		conf, err := svcs.Payments.GetPayment(c.Request.Context(), id, buyer.ID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, toPaymentResponse(conf))
	}
}

// @Summary  Provider callback
// @Param    provider  path  string  true  "carte | paypal | mobile_money"
// @Success  200 {object} PaymentResponse
// @Failure  400 {object} ErrorResponse "bad signature"
// @Failure  404 {object} ErrorResponse "unknown reference, the provider retries"
// @Router   /webhooks/{provider} [post]
func handleWebhook(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}

		conf, err := svcs.Payments.HandleWebhook(c.Request.Context(), c.Param("provider"), c.Request.Header, body)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, toPaymentResponse(conf))
		case errors.Is(err, payment.ErrProviderRejected),
			errors.Is(err, payment.ErrReservationExpired),
			errors.Is(err, payment.ErrAttemptClosed):
			// recorded; a retry would change nothing
			c.JSON(http.StatusOK, gin.H{"status": "processed", "detail": err.Error()})
		default:
			respondErr(c, err)
		}
	}
}

func writePayment(c *gin.Context, conf *payment.Confirmation) {
	status := http.StatusOK
	if conf.Status == payment.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, toPaymentResponse(conf))
}
