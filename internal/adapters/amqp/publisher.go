// Package amqp forwards orchestrator events to a RabbitMQ topic exchange so
// external systems can react to job lifecycle changes.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"conduit/internal/eventbus"
	logx "conduit/pkg/logx"
)

type Config struct {
	URL           string
	Exchange      string
	RoutingPrefix string
}

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	ch       Channel
	conn     io.Closer
	exchange string
	prefix   string
	log      logx.Logger
	failed   uint64 // owned by Run
}

// envelope is the message body. Data carries the event payload as-is.
type envelope struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Dial connects, opens a channel and declares a durable topic exchange.
func Dial(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	p, err := NewPublisher(ch, conn, cfg, log)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return p, nil
}

// NewPublisher wraps an open channel. conn may be nil.
func NewPublisher(ch Channel, conn io.Closer, cfg Config, log logx.Logger) (*Publisher, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "conduit.events"
	}
	if cfg.RoutingPrefix == "" {
		cfg.RoutingPrefix = "conduit"
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	return &Publisher{
		ch:       ch,
		conn:     conn,
		exchange: cfg.Exchange,
		prefix:   strings.TrimSuffix(cfg.RoutingPrefix, "."),
		log:      log.With(logx.String("comp", "amqp"), logx.String("exchange", cfg.Exchange)),
	}, nil
}

// RoutingKey maps "job.failed" to "<prefix>.job.failed".
func (p *Publisher) RoutingKey(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *Publisher) Publish(ctx context.Context, ev eventbus.Event) error {
	body, err := json.Marshal(envelope{Type: ev.Type, Time: ev.Time, Data: ev.Data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, p.RoutingKey(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Time,
		Type:         ev.Type,
		Body:         body,
	})
}

// Run publishes every event from events until ctx is done or events closes.
// On cancel it flushes what is already buffered. Publish failures are
// logged and skipped.
func (p *Publisher) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.forward(ctx, ev)
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					p.forward(flush, ev)
				default:
					return nil
				}
			}
		}
	}
}

func (p *Publisher) forward(ctx context.Context, ev eventbus.Event) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := p.Publish(pctx, ev)
	cancel()
	if err == nil {
		return
	}
	p.failed++
	// first failure and then every 100th to keep a broken broker quiet
	if p.failed == 1 || p.failed%100 == 0 {
		p.log.Warn("event publish failed", logx.String("type", ev.Type), logx.Uint64("failed_total", p.failed), logx.Err(err))
	}
}

func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
