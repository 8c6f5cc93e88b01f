package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const testRedisDB = 15

// NewTestRedis connects to TEST_REDIS_ADDR on a scratch database, skipping
// the test when redis is unreachable. Packages share the database, so tests
// must use unique keys.
func NewTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: testRedisDB})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("skipping redis integration tests: %v", err)
	}

	t.Cleanup(func() { _ = rdb.Close() })

	return rdb
}
