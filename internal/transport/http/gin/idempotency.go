package httpgin

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	redisx "github.com/kirinyoku/tix-bus/internal/redis"
	redisrepo "github.com/kirinyoku/tix-bus/internal/repository/redis"
)

// IdempotencyStore records the first answer to a keyed request so retries
// replay it.
type IdempotencyStore interface {
	AcquireLock(ctx context.Context, key string, lockTTL time.Duration) (bool, error)
	GetResult(ctx context.Context, key string) (*redisrepo.Response, bool, error)
	SaveResult(ctx context.Context, key string, res redisrepo.Response) error
	Release(ctx context.Context, key string) error
}

const idempotencyLockTTL = 60 * time.Second

type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotent replays the recorded answer of a request carrying an
// Idempotency-Key already seen for the same caller. Only 200 and 201 answers
// are recorded: a 202 must reach the handler again so the payment is
// re-driven, and errors are left for the client to retry.
func Idempotent(store IdempotencyStore, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		if store == nil || key == "" {
			c.Next()
			return
		}

		caller := "ip:" + c.ClientIP()
		if b, ok := buyerFrom(c); ok {
			caller = b.ID
		}
		storageKey := redisx.KeyIdempotency(scope, caller, key)
		ctx := c.Request.Context()

		if replay(c, store, storageKey, key) {
			return
		}

		locked, err := store.AcquireLock(ctx, storageKey, idempotencyLockTTL)
		if err != nil {
			// without redis the service-level keys still apply
			_ = c.Error(err)
			c.Next()
			return
		}
		if !locked {
			if replay(c, store, storageKey, key) {
				return
			}
			c.Header("Retry-After", "1")
			abort(c, http.StatusConflict, "idempotency key in progress")
			return
		}

		c.Header("Idempotency-Key", key)
		w := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status != http.StatusOK && status != http.StatusCreated {
			_ = store.Release(context.WithoutCancel(ctx), storageKey)
			return
		}

		_ = store.SaveResult(context.WithoutCancel(ctx), storageKey, redisrepo.Response{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		})
	}
}

func replay(c *gin.Context, store IdempotencyStore, storageKey, key string) bool {
	res, ok, err := store.GetResult(c.Request.Context(), storageKey)
	if err != nil || !ok {
		return false
	}

	c.Header("Idempotency-Key", key)
	c.Header("Idempotent-Replayed", "true")
	c.Data(res.Status, res.ContentType, res.Body)
	c.Abort()

	return true
}
