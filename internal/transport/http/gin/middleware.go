package httpgin

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kirinyoku/tix-bus/internal/auth"
	"github.com/kirinyoku/tix-bus/internal/domain"
)

const (
	ctxRequestID = "request_id"
	ctxBuyer     = "buyer"
	ctxClaims    = "claims"
)

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}

		c.Writer.Header().Set("X-Request-ID", reqID)
		c.Set(ctxRequestID, reqID)

		c.Next()
	}
}

func CORS() gin.HandlerFunc {
	cfg := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS",
		},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"X-Request-ID",
			"Idempotency-Key",
			"If-None-Match",
		},
		ExposeHeaders: []string{
			"X-Request-ID",
			"ETag",
			"Cache-Control",
			"Idempotency-Key",
			"Idempotent-Replayed",
			"Retry-After",
		},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	return cors.New(cfg)
}

func LoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		status := c.Writer.Status()
		reqID, _ := c.Get(ctxRequestID)

		attrs := []any{
			slog.Int("status", status),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("ip", c.ClientIP()),
			slog.String("ua", c.Request.UserAgent()),
			slog.Any("request_id", reqID),
			slog.Duration("latency", latency),
			slog.Int("bytes_out", c.Writer.Size()),
		}
		if b, ok := buyerFrom(c); ok {
			attrs = append(attrs, slog.String("buyer_id", b.ID))
		}

		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("err", c.Errors.String()))
			logger.Error("http", slog.Group("http", attrs...))
		} else {
			logger.Info("http", slog.Group("http", attrs...))
		}
	}
}

// Identify resolves who is calling from the bearer token: a registered buyer,
// an operator, or a guest holding the token issued with its first hold.
// An invalid token is refused outright rather than downgraded to anonymous.
func Identify(tokens *auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h := c.GetHeader("Authorization"); h != "" {
			raw, ok := strings.CutPrefix(h, "Bearer ")
			if !ok || tokens == nil {
				abort(c, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims, err := tokens.Parse(strings.TrimSpace(raw))
			if err != nil {
				abort(c, http.StatusUnauthorized, "invalid token")
				return
			}

			c.Set(ctxClaims, claims)
			c.Set(ctxBuyer, claims.Buyer())
		}

		c.Next()
	}
}

// RequireBuyer refuses anonymous calls.
func RequireBuyer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := buyerFrom(c); !ok {
			abort(c, http.StatusUnauthorized, "buyer identity required")
			return
		}
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "authentication required")
			return
		}
		if !claims.HasRole(auth.RoleAdmin) {
			abort(c, http.StatusForbidden, "admin role required")
			return
		}
		c.Next()
	}
}

func buyerFrom(c *gin.Context) (domain.Buyer, bool) {
	v, ok := c.Get(ctxBuyer)
	if !ok {
		return domain.Buyer{}, false
	}
	b, ok := v.(domain.Buyer)
	return b, ok && b.ID != ""
}

func claimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}
