package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/stationbook/internal/booking/domain"
	dispatch "github.com/example/stationbook/internal/outbox"
)

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSSink publishes outbox messages on the subject named by their topic.
type NATSSink struct {
	conn natsPublisher
}

// NewNATSSink builds a sink using the provided NATS connection.
func NewNATSSink(conn *nats.Conn) *NATSSink {
	return &NATSSink{conn: conn}
}

func (s *NATSSink) Send(ctx context.Context, msg dispatch.Message) error {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	for k, v := range headers(ctx, msg) {
		m.Header.Set(k, v)
	}
	return s.conn.PublishMsg(m)
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes outbox messages to a durable topic exchange using the
// topic as routing key.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Send(ctx context.Context, msg dispatch.Message) error {
	table := amqp.Table{}
	for k, v := range headers(ctx, msg) {
		table[k] = v
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         msg.EventType,
		Headers:      table,
		Body:         msg.Payload,
	}
	if msg.ID > 0 {
		pub.MessageId = strconv.FormatInt(msg.ID, 10)
	}
	if !msg.CreatedAt.IsZero() {
		pub.Timestamp = msg.CreatedAt
	}
	return s.ch.PublishWithContext(ctx, s.exchange, msg.Topic, false, false, pub)
}

func (s *AMQPSink) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Publisher sends booking events straight to a sink. It satisfies
// domain.EventPublisher for deployments without a Postgres outbox.
type Publisher struct {
	sink  dispatch.Sink
	topic string
}

// NewPublisher builds a Publisher; a nil sink makes Publish a no-op.
func NewPublisher(sink dispatch.Sink, topic string) *Publisher {
	return &Publisher{sink: sink, topic: topic}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.BookingEvent) error {
	if p == nil || p.sink == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.sink.Send(ctx, dispatch.Message{
		ID:        event.ID,
		Topic:     p.topic,
		EventType: string(event.Type),
		Payload:   payload,
		CreatedAt: event.CreatedAt,
	})
}

func headers(ctx context.Context, msg dispatch.Message) map[string]string {
	h := map[string]string{"x-event-type": msg.EventType}
	if msg.ID > 0 {
		h["x-outbox-id"] = strconv.FormatInt(msg.ID, 10)
	}
	if msg.TraceParent != "" {
		h["traceparent"] = msg.TraceParent
	}
	if id := traceIDFromContext(ctx); id != "" {
		h["x-trace-id"] = id
	}
	return h
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
