package httpgin

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirinyoku/tix-bus/internal/service"
	"github.com/kirinyoku/tix-bus/internal/ticket"
)

const maxTicketBody = 16 << 10

// @Summary  Verify a signed ticket payload
// @Accept   json
// @Param    payload body ticket.Payload true "the signed payload, byte for byte as issued"
// @Success  200 {object} VerifyTicketResponse "valid"
// @Failure  422 {object} VerifyTicketResponse "tampered or expired"
// @Router   /tickets/verify [post]
func handleVerifyTicket(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTicketBody))
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}

		res := svcs.Tickets.Validate(raw)
		if res != ticket.Valid {
			c.JSON(http.StatusUnprocessableEntity, VerifyTicketResponse{Result: res})
			return
		}

		p, err := svcs.Tickets.Check(raw)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusUnprocessableEntity, VerifyTicketResponse{Result: ticket.Tampered})
			return
		}

		c.JSON(http.StatusOK, VerifyTicketResponse{Result: res, Ticket: p})
	}
}
