package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
)

// Stream publishes events through a watermill publisher, one topic for all
// kinds. The kind travels in the message metadata.
type Stream struct {
	pub   message.Publisher
	topic string
}

func NewStream(pub message.Publisher, topic string) *Stream {
	return &Stream{pub: pub, topic: topic}
}

// NewRedisStream publishes to a redis stream named topic.
func NewRedisStream(client redis.UniversalClient, topic string, log *slog.Logger) (*Stream, error) {
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, NewWatermillLogger(log))
	if err != nil {
		return nil, fmt.Errorf("notify.NewRedisStream: %w", err)
	}
	return NewStream(pub, topic), nil
}

func (s *Stream) Notify(ctx context.Context, ev Event) error {
	const op = "notify.Stream.Notify"

	body, err := encode(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set("kind", string(ev.Kind))
	msg.SetContext(ctx)

	if err := s.pub.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Stream) Close() error {
	return s.pub.Close()
}

type watermillLogger struct {
	log *slog.Logger
}

// NewWatermillLogger routes watermill's logging into slog.
func NewWatermillLogger(log *slog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{log: log.With(slog.String("component", "watermill"))}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Error(msg, append(attrs(fields), slog.Any("err", err))...)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.Info(msg, attrs(fields)...)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, attrs(fields)...)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.log.Log(context.Background(), slog.LevelDebug-4, msg, attrs(fields)...)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	args := make([]any, 0, len(fields))
	for _, a := range attrs(fields) {
		args = append(args, a)
	}
	return &watermillLogger{log: w.log.With(args...)}
}

func attrs(fields watermill.LogFields) []any {
	out := make([]any, 0, len(fields)+1)
	for k, v := range fields {
		out = append(out, slog.Any(k, v))
	}
	return out
}
