// Package rabbitmq adapts github.com/rabbitmq/amqp091-go to
// childtransport.Transport, generalizing the teacher's
// internal/adapters/messaging/rabbitmq.go (a single-purpose baby-created
// publisher) into a transport that can carry any events.Message, keyed
// by a routing key derived from (api_name, event_name) when a named
// exchange is configured.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/lightbus-go/txevents/internal/childtransport"
	"github.com/lightbus-go/txevents/internal/circuitbreaker"
	"github.com/lightbus-go/txevents/internal/events"
)

// Config is this transport's typed configuration, registered under Kind
// "rabbitmq" in the config registry (SPEC_FULL.md §6.1).
type Config struct {
	URL          string `json:"url"`
	ExchangeName string `json:"exchange_name"` // empty uses the default exchange, routing key == queue name
	QueueName    string `json:"queue_name"`    // consumer queue, declared durable
}

// Transport publishes events as durable messages on a RabbitMQ queue and
// consumes them back via a basic consumer. With a named exchange the
// routing key is "<api_name>.<event_name>"; with the default exchange it
// is the queue name.
type Transport struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	queueName    string
	exchangeName string
	cb           *gobreaker.CircuitBreaker

	deliveries <-chan amqp.Delivery
	pending    map[string]amqp.Delivery // message id -> delivery, for Acknowledge
}

var _ childtransport.Transport = (*Transport)(nil)
var _ childtransport.Acknowledger = (*Transport)(nil)

// New dials amqpURL, declares queueName durable, and starts a consumer.
func New(cfg Config) (*Transport, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("lightbus rabbitmq transport: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("lightbus rabbitmq transport: open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("lightbus rabbitmq transport: declare queue: %w", err)
	}

	// A non-default exchange is declared as a durable topic exchange, and
	// the consumer queue is bound to it under every routing key, so
	// SendEvent can route by (api_name, event_name) while this single
	// queue still receives everything published to the exchange.
	if cfg.ExchangeName != "" {
		if err := ch.ExchangeDeclare(cfg.ExchangeName, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("lightbus rabbitmq transport: declare exchange: %w", err)
		}
		if err := ch.QueueBind(cfg.QueueName, "#", cfg.ExchangeName, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("lightbus rabbitmq transport: bind queue to exchange: %w", err)
		}
	}

	deliveries, err := ch.Consume(cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("lightbus rabbitmq transport: consume: %w", err)
	}

	return &Transport{
		conn:         conn,
		ch:           ch,
		queueName:    cfg.QueueName,
		exchangeName: cfg.ExchangeName,
		cb:           circuitbreaker.New("RabbitMQ-ChildTransport"),
		deliveries:   deliveries,
		pending:      make(map[string]amqp.Delivery),
	}, nil
}

type wireMessage struct {
	APIName   string         `json:"api_name"`
	EventName string         `json:"event_name"`
	ID        string         `json:"id"`
	Kwargs    map[string]any `json:"kwargs"`
	Metadata  map[string]any `json:"metadata"`
}

func (t *Transport) SendEvent(ctx context.Context, message events.Message, options events.Options) error {
	body, err := json.Marshal(wireMessage{
		APIName:   message.APIName,
		EventName: message.EventName,
		ID:        message.ID,
		Kwargs:    message.GetKwargs(),
		Metadata:  message.GetMetadata(),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", events.ErrPublishFailed, err)
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= 0 {
		return fmt.Errorf("%w: %v", events.ErrPublishFailed, ctx.Err())
	}

	routingKey := t.queueName
	if t.exchangeName != "" {
		routingKey = fmt.Sprintf("%s.%s", message.APIName, message.EventName)
	}

	_, err = t.cb.Execute(func() (any, error) {
		return nil, t.ch.PublishWithContext(
			ctx,
			t.exchangeName, // "" publishes to the default exchange
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    message.ID,
				Body:         body,
			},
		)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", events.ErrPublishFailed, err)
	}
	return nil
}

func (t *Transport) FetchEvents(ctx context.Context, token childtransport.Token) ([]events.Message, childtransport.Token, error) {
	select {
	case <-ctx.Done():
		return nil, token, ctx.Err()
	case delivery, ok := <-t.deliveries:
		if !ok {
			return nil, token, fmt.Errorf("lightbus rabbitmq transport: delivery channel closed")
		}
		var wire wireMessage
		if err := json.Unmarshal(delivery.Body, &wire); err != nil {
			_ = delivery.Nack(false, false)
			return nil, token, fmt.Errorf("lightbus rabbitmq transport: decode delivery: %w", err)
		}
		message := events.Message{
			APIName:   wire.APIName,
			EventName: wire.EventName,
			ID:        wire.ID,
			Kwargs:    wire.Kwargs,
			Metadata:  wire.Metadata,
		}
		t.pending[message.ID] = delivery
		return []events.Message{message}, nil, nil
	}
}

// Acknowledge acks the underlying AMQP delivery for message, per
// spec.md §4.5: called after the handler's transaction commits.
func (t *Transport) Acknowledge(ctx context.Context, message events.Message) error {
	delivery, ok := t.pending[message.ID]
	if !ok {
		return nil
	}
	delete(t.pending, message.ID)
	return delivery.Ack(false)
}

func (t *Transport) StartListeningFor(ctx context.Context, apiName, eventName string) error {
	log.Printf("lightbus rabbitmq transport: listening for %s.%s on queue %s", apiName, eventName, t.queueName)
	return nil
}

func (t *Transport) StopListeningFor(ctx context.Context, apiName, eventName string) error {
	return nil
}

func (t *Transport) Close() error {
	if t.ch != nil {
		if err := t.ch.Close(); err != nil {
			return err
		}
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
