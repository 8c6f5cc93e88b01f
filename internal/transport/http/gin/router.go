package httpgin

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/kirinyoku/tix-bus/internal/auth"
	"github.com/kirinyoku/tix-bus/internal/service"
)

// NewRouter builds the HTTP façade. idem may be nil, in which case keyed
// requests rely on the payment attempt keys alone.
func NewRouter(
	svcs *service.Services,
	tokens *auth.Tokens,
	idem IdempotencyStore,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(logger), CORS(), Identify(tokens))
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public API
	r.GET("/departures/:id/availability", handleGetAvailability(svcs))
	r.GET("/departures/:id/availability/stream", handleStreamAvailability(svcs))

	r.POST("/holds", Idempotent(idem, "holds"), handleCreateHold(svcs, tokens))
	r.POST("/tickets/verify", handleVerifyTicket(svcs))
	r.POST("/webhooks/:provider", handleWebhook(svcs))

	buyer := r.Group("", RequireBuyer())
	{
		buyer.DELETE("/holds/:id", handleCancelHold(svcs))
		buyer.GET("/carts/:id", handleGetCart(svcs))
		buyer.POST("/carts/:id/extend", handleExtendCart(svcs))

		buyer.POST("/payments", Idempotent(idem, "payments"), handleCreatePayment(svcs))
		buyer.POST("/payments/:id/confirm", handleConfirmPayment(svcs))
		buyer.GET("/payments/:id", handleGetPayment(svcs))
	}

	// Admin-API
	admin := r.Group("/admin", RequireAdmin())
	{
		admin.PUT("/departures/:id", handleUpsertDeparture(svcs))
		admin.POST("/reservations/:id/cancel", handleAdminCancel(svcs))
		admin.POST("/payments/:id/cash-receipt", handleCashReceipt(svcs))
		admin.POST("/sweeps", handleSweep(svcs))
	}

	return r
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	v, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return v, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}
