package redisx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisx "github.com/kirinyoku/tix-bus/internal/redis"
	"github.com/kirinyoku/tix-bus/internal/testutil"
)

func TestDeparturesPubSub(t *testing.T) {
	rdb := testutil.NewTestRedis(t)
	ps := redisx.NewDeparturesPubSub(rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan int64, 1)
	done := make(chan error, 1)
	go func() {
		done <- ps.Subscribe(ctx, func(_ context.Context, id int64) {
			select {
			case got <- id:
			default:
			}
		})
	}()

	// publish until the subscription is live
	require.Eventually(t, func() bool {
		_ = ps.PublishDepartureChanged(ctx, 100)
		select {
		case id := <-got:
			return id == 100
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 4*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "tixbus:v1:departure:100:availability", redisx.KeyDepartureAvailability(100))
	assert.Equal(t, "tixbus:v1:idem:payments:42:k", redisx.KeyIdempotency("payments", "42", "k"))
	assert.Equal(t, "tixbus:v1:rl:holds:42", redisx.KeyRateLimit("holds", "42"))
}
