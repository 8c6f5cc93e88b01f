package httpgin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kirinyoku/tix-bus/internal/service"
)

const sseHeartbeat = 15 * time.Second

// @Summary  Get availability counters
// @Param    id  path  int  true  "Departure ID"
// @Success  200  {object}  domain.Availability
// @Failure  404  {object}  ErrorResponse
// @Router   /departures/{id}/availability [get]
func handleGetAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		a, err := svcs.Query.Availability(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		// ETag + Cache-Control 5s
		writeJSONWithCache(c, http.StatusOK, a, "public, max-age=5", true)
	}
}

// @Summary  Stream availability changes (SSE)
// @Param    id  path  int  true  "Departure ID"
// @Produce  text/event-stream
// @Success  200  {object}  domain.Availability "one availability event per change"
// @Failure  404  {object}  ErrorResponse
// @Router   /departures/{id}/availability/stream [get]
func handleStreamAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()

		changes, cancel := svcs.Query.Watch(id)
		defer cancel()

		a, err := svcs.Query.Availability(ctx, id)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		c.SSEvent("availability", a)
		c.Writer.Flush()

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
					return
				}
			case <-changes:
				a, err := svcs.Query.Availability(ctx, id)
				if err != nil {
					_ = c.Error(err)
					return
				}
				c.SSEvent("availability", a)
			}
			c.Writer.Flush()
		}
	}
}
