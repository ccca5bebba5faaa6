package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/igwedaniel/batchwatch/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher interface for loose coupling
type Publisher interface {
	Publish(ctx context.Context, event *types.Event) error
	Close() error
}

// ErrNotConnected is returned by Publish while the broker connection is down.
var ErrNotConnected = errors.New("rabbitmq: not connected")

// RabbitMQPublisher publishes events to a topic exchange and reconnects
// in the background when the broker drops the connection.
type RabbitMQPublisher struct {
	url      string
	exchange string
	logger   *logrus.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	done    chan struct{}
	closed  bool
}

func NewRabbitMQPublisher(url, exchange string, logger *logrus.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		url:      url,
		exchange: exchange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	conn, err := p.connect()
	if err != nil {
		return nil, err
	}
	go p.watch(conn)
	return p, nil
}

// DeclareExchange declares the durable topic exchange events go to.
func DeclareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

func (p *RabbitMQPublisher) connect() (*amqp.Connection, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(channel, p.exchange); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		channel.Close()
		conn.Close()
		return nil, ErrNotConnected
	}
	p.conn, p.channel = conn, channel
	return conn, nil
}

// watch waits for conn to drop and reconnects with exponential backoff
// until Close is called.
func (p *RabbitMQPublisher) watch(conn *amqp.Connection) {
	amqpErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if !ok || amqpErr == nil {
		return // closed by us
	}
	p.logger.WithError(amqpErr).Error("RabbitMQ connection lost")

	p.mu.Lock()
	p.conn, p.channel = nil, nil
	p.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	var next *amqp.Connection
	err := backoff.RetryNotify(func() error {
		select {
		case <-p.done:
			return backoff.Permanent(ErrNotConnected)
		default:
		}
		c, err := p.connect()
		if err != nil {
			return err
		}
		next = c
		return nil
	}, b, func(err error, d time.Duration) {
		p.logger.WithError(err).WithField("retry_in", d).Warn("RabbitMQ reconnect failed")
	})
	if err != nil {
		return
	}

	p.logger.Info("RabbitMQ connection restored")
	go p.watch(next)
}

// RoutingKey is "<type>.<source>", e.g. "tx.analyzed.retry".
func RoutingKey(event *types.Event) string {
	return fmt.Sprintf("%s.%s", event.Type, event.Source)
}

func newMessage(event *types.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("%w: marshal event: %v", types.ErrSerialization, err)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    ts,
		Type:         event.Type,
		MessageId:    uuid.NewString(),
		DeliveryMode: amqp.Persistent,
	}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event *types.Event) error {
	msg, err := newMessage(event)
	if err != nil {
		return err
	}

	routingKey := RoutingKey(event)

	// channels are not safe for concurrent publishing
	p.mu.Lock()
	if p.channel == nil {
		p.mu.Unlock()
		return ErrNotConnected
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_type":  event.Type,
		"routing_key": routingKey,
		"message_id":  msg.MessageId,
	}).Debug("Event published successfully")

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoOpPublisher drops every event. Used when no broker is configured.
type NoOpPublisher struct{}

func (n *NoOpPublisher) Publish(ctx context.Context, event *types.Event) error {
	return nil
}

func (n *NoOpPublisher) Close() error {
	return nil
}
