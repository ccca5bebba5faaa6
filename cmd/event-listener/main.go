package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/igwedaniel/batchwatch/internal/messaging"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type args struct {
	URL      string `arg:"--url,env:RABBITMQ_URL,required" help:"RabbitMQ connection URL"`
	Exchange string `arg:"--exchange,env:RABBITMQ_EXCHANGE" default:"batchwatch.events"`
	Binding  string `arg:"--binding" default:"#" help:"routing key pattern, e.g. tx.abandoned.*"`
}

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Listener prints every tracker event it receives.
type Listener struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *logrus.Logger
}

func NewListener(rabbitURL string, logger *logrus.Logger) (*Listener, error) {
	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Listener{
		conn:    conn,
		channel: channel,
		logger:  logger,
	}, nil
}

func (l *Listener) Start(ctx context.Context, exchange, binding string) error {
	if err := messaging.DeclareExchange(l.channel, exchange); err != nil {
		return err
	}

	// server-named, removed when the listener disconnects
	queue, err := l.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := l.channel.QueueBind(queue.Name, binding, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := l.channel.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"exchange": exchange,
		"binding":  binding,
		"queue":    queue.Name,
	}).Info("Event listener started")

	go func() {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					l.logger.Warn("Delivery channel closed")
					return
				}
				l.handleMessage(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (l *Listener) handleMessage(msg amqp.Delivery) {
	var env eventEnvelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		l.logger.WithError(err).WithField("body", string(msg.Body)).Error("Failed to parse event envelope")
		return
	}

	fields := logrus.Fields{
		"routing_key": msg.RoutingKey,
		"message_id":  msg.MessageId,
		"type":        env.Type,
		"source":      env.Source,
		"delay":       time.Since(env.Timestamp).Round(time.Millisecond),
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(env.Payload, &payload); err == nil {
		for _, key := range []string{"tx_hash", "batcher_address", "retry_count", "error_message"} {
			if v, ok := payload[key]; ok {
				fields[key] = v
			}
		}
	} else {
		// snapshot events carry a list of rows
		var rows []map[string]interface{}
		if err := json.Unmarshal(env.Payload, &rows); err == nil {
			fields["rows"] = len(rows)
		}
	}

	l.logger.WithFields(fields).Info("Received event")
}

func (l *Listener) Close() error {
	if l.channel != nil {
		l.channel.Close()
	}
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	var a args
	arg.MustParse(&a)

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	listener, err := NewListener(a.URL, logger)
	if err != nil {
		logger.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := listener.Start(ctx, a.Exchange, a.Binding); err != nil {
		logger.Fatalf("Failed to start listener: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Event listener stopped")
}
