package redisrepo

import (
	"context"
	"log/slog"

	redisx "github.com/kirinyoku/tix-bus/internal/redis"
)

// ChangeFanout drops the cached availability of a departure and tells every
// instance about the change. Both steps are best-effort.
type ChangeFanout struct {
	cache  *Cache
	pubsub *redisx.DeparturesPubSub
	log    *slog.Logger
}

func NewChangeFanout(cache *Cache, pubsub *redisx.DeparturesPubSub, log *slog.Logger) *ChangeFanout {
	return &ChangeFanout{cache: cache, pubsub: pubsub, log: log}
}

func (f *ChangeFanout) DepartureChanged(ctx context.Context, departureID int64) {
	if err := f.cache.InvalidateDeparture(ctx, departureID); err != nil {
		f.log.Warn("availability cache invalidation failed",
			slog.Int64("departure_id", departureID),
			slog.Any("err", err),
		)
	}

	if err := f.pubsub.PublishDepartureChanged(ctx, departureID); err != nil {
		f.log.Warn("departure change publish failed",
			slog.Int64("departure_id", departureID),
			slog.Any("err", err),
		)
	}
}
