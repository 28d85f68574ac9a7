// Package amqp publishes notification events to RabbitMQ.
package amqp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/notify"
)

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config selects the broker and the queue events are routed to.
type Config struct {
	URL      string `yaml:"url" env:"URL"`
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
	Queue    string `yaml:"queue" env:"QUEUE" default:"storefront.notifications"`
	Durable  bool   `yaml:"durable" env:"DURABLE" default:"true"`
}

// Publisher implements notify.Notifier on top of a single AMQP channel.
type Publisher struct {
	mu       sync.Mutex
	ch       channel
	conn     *amqp.Connection
	exchange string
	key      string
}

var _ notify.Notifier = (*Publisher)(nil)

// Dial connects to the broker and declares the notification queue.
func Dial(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	q, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare queue %q", cfg.Queue)
	}

	p := newPublisher(ch, cfg.Exchange, q.Name)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange, key string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, key: key}
}

// Notify publishes e as a persistent JSON message. Kind is carried in the
// message type so consumers can route without decoding the body.
func (p *Publisher) Notify(ctx context.Context, e notify.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         e.Kind,
		Timestamp:    ts,
		Body:         body,
	}

	p.mu.Lock()
	err = p.ch.Publish(p.exchange, p.key, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "publish %s", e.Kind)
	}

	zctx.From(ctx).Debug("Event published",
		zap.String("kind", e.Kind),
		zap.String("event_id", e.ID),
		zap.String("order_id", e.OrderID),
	)
	return nil
}

// Ping reports a closed broker connection.
func (p *Publisher) Ping(context.Context) error {
	if p.conn != nil && p.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		return errors.Wrap(err, "close channel")
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
