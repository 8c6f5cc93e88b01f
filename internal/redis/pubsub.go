package redisx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeparturesPubSub broadcasts that a departure's seat counters moved, so every
// instance can refresh its availability streams.
type DeparturesPubSub struct {
	rdb     redis.UniversalClient
	channel string
}

func NewDeparturesPubSub(rdb redis.UniversalClient) *DeparturesPubSub {
	return &DeparturesPubSub{
		rdb:     rdb,
		channel: ChannelDeparturesChanged(),
	}
}

type departureChangedMsg struct {
	Type        string `json:"type"`
	DepartureID int64  `json:"departure_id"`
	TsUnix      int64  `json:"ts_unix"`
}

func (p *DeparturesPubSub) PublishDepartureChanged(ctx context.Context, departureID int64) error {
	msg := departureChangedMsg{
		Type:        "departure_changed",
		DepartureID: departureID,
		TsUnix:      time.Now().Unix(),
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe calls handler for every change until ctx ends.
func (p *DeparturesPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, departureID int64)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev departureChangedMsg
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil &&
				ev.DepartureID != 0 {
				handler(ctx, ev.DepartureID)
			}
		}
	}
}
