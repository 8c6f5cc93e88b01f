package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrBrokerUnavailable is returned while a failed dial is backing off.
var ErrBrokerUnavailable = errors.New("broker unavailable")

const (
	defaultDialTimeout   = 3 * time.Second
	defaultRedialBackoff = 10 * time.Second
)

// AMQP publishes persistent JSON messages to a durable queue on the default
// exchange. The connection is dialled lazily, outside the lock, and re-dialled
// after a failure once the backoff has passed.
type AMQP struct {
	url           string
	queue         string
	dialTimeout   time.Duration
	redialBackoff time.Duration

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	retryAt time.Time
}

type AMQPOption func(*AMQP)

// WithDialTimeout bounds the TCP connect and the AMQP handshake.
func WithDialTimeout(d time.Duration) AMQPOption {
	return func(a *AMQP) { a.dialTimeout = d }
}

// WithRedialBackoff sets how long Notify fails fast after a failed dial.
func WithRedialBackoff(d time.Duration) AMQPOption {
	return func(a *AMQP) { a.redialBackoff = d }
}

func NewAMQP(url, queue string, opts ...AMQPOption) *AMQP {
	a := &AMQP{
		url:           url,
		queue:         queue,
		dialTimeout:   defaultDialTimeout,
		redialBackoff: defaultRedialBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AMQP) Notify(ctx context.Context, ev Event) error {
	const op = "notify.AMQP.Notify"

	body, err := encode(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ch, err := a.channel(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := ch.PublishWithContext(ctx, "", a.queue, false, false, publishing(ev, body)); err != nil {
		a.drop(ch)
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func publishing(ev Event, body []byte) amqp.Publishing {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ts,
		Type:         string(ev.Kind),
		MessageId:    ev.ID.String(),
		Body:         body,
	}
}

// channel returns the open channel, dialling a new connection without holding
// the lock when there is none.
func (a *AMQP) channel(ctx context.Context) (*amqp.Channel, error) {
	a.mu.Lock()
	if a.ch != nil && !a.ch.IsClosed() {
		ch := a.ch
		a.mu.Unlock()
		return ch, nil
	}
	if time.Now().Before(a.retryAt) {
		a.mu.Unlock()
		return nil, ErrBrokerUnavailable
	}
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, ch, err := a.dial()
	if err != nil {
		a.mu.Lock()
		a.retryAt = time.Now().Add(a.redialBackoff)
		a.mu.Unlock()
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Another caller may have connected meanwhile.
	if a.ch != nil && !a.ch.IsClosed() {
		_ = conn.Close()
		return a.ch, nil
	}

	a.reset()
	a.conn, a.ch, a.retryAt = conn, ch, time.Time{}

	return ch, nil
}

func (a *AMQP) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(a.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(a.dialTimeout),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(a.queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare %q: %w", a.queue, err)
	}

	return conn, ch, nil
}

// drop forgets ch after a failed publish unless it was already replaced.
func (a *AMQP) drop(ch *amqp.Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == ch {
		a.reset()
	}
}

// reset must be called with a.mu held.
func (a *AMQP) reset() {
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	return nil
}
