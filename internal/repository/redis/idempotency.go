package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockValue    = "LOCK"
	resultPrefix = "RES:"
)

// Response is a recorded HTTP answer replayed for a repeated request.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type IdempotencyStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewIdempotencyStore(rdb redis.UniversalClient, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

// AcquireLock marks key as in flight. It reports false when another request
// holds the key or already recorded a result.
func (s *IdempotencyStore) AcquireLock(ctx context.Context, key string, lockTTL time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, lockValue, lockTTL).Result()
}

func (s *IdempotencyStore) SaveResult(ctx context.Context, key string, res Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, resultPrefix+string(b), s.ttl).Err()
}

func (s *IdempotencyStore) GetResult(ctx context.Context, key string) (*Response, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !strings.HasPrefix(v, resultPrefix) {
		return nil, false, nil
	}

	var res Response
	if err := json.Unmarshal([]byte(strings.TrimPrefix(v, resultPrefix)), &res); err != nil {
		return nil, false, err
	}

	return &res, true, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
