package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 3 * time.Second

// Envelope wraps every event put on the exchange.
type Envelope struct {
	EventName     string          `json:"eventName"`
	EventVersion  int             `json:"eventVersion"`
	EventID       string          `json:"eventId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Producer      string          `json:"producer"`
	PartitionKey  string          `json:"partitionKey"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
}

func Dial(url string) (*amqp.Connection, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

type Publisher struct {
	ch       *amqp.Channel
	exchange string
	producer string
	timeout  time.Duration
	now      func() time.Time

	// amqp channels are not safe for concurrent publishing.
	mu sync.Mutex
}

func NewPublisher(conn *amqp.Connection, exchange, producer string, timeout time.Duration) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		producer: producer,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

// Publish routes by event name, which doubles as the routing key (e.g. payment.succeeded.v1).
func (p *Publisher) Publish(ctx context.Context, eventName, partitionKey string, payload any) error {
	if p == nil || p.ch == nil {
		return fmt.Errorf("rabbitmq publisher is not initialized")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventName, err)
	}
	env := Envelope{
		EventName:    eventName,
		EventVersion: versionOf(eventName),
		EventID:      uuid.NewString(),
		Producer:     p.producer,
		PartitionKey: partitionKey,
		OccurredAt:   p.now().UTC(),
		Payload:      raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", eventName, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(pubCtx, p.exchange, eventName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.EventID,
		Timestamp:    env.OccurredAt,
		Type:         eventName,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventName, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.ch == nil {
		return nil
	}
	return p.ch.Close()
}

// ErrPoison marks a delivery that will never succeed; it is dropped instead of requeued.
var ErrPoison = errors.New("poison message")

type Handler func(ctx context.Context, env Envelope) error

type Consumer struct {
	conn        *amqp.Connection
	exchange    string
	queue       string
	routingKeys []string
	prefetch    int
	logger      *zap.Logger
}

func NewConsumer(conn *amqp.Connection, exchange, queue string, routingKeys []string, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		conn:        conn,
		exchange:    exchange,
		queue:       queue,
		routingKeys: routingKeys,
		prefetch:    16,
		logger:      logger,
	}
}

// Run blocks until ctx is done or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if c.conn == nil {
		return fmt.Errorf("rabbitmq connection is nil")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch, c.exchange); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.exchange, err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	for _, key := range c.routingKeys {
		if err := ch.QueueBind(c.queue, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", c.queue, key, err)
		}
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", c.queue)
			}
			c.dispatch(ctx, d, handler)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		c.logger.Warn("drop undecodable delivery", zap.String("queue", c.queue), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	err := handler(ctx, env)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison):
		c.logger.Warn("drop poison event", zap.String("event", env.EventName), zap.String("event_id", env.EventID), zap.Error(err))
		_ = d.Nack(false, false)
	default:
		// one redelivery; a second failure is dropped to avoid hot loops.
		c.logger.Error("handle event", zap.String("event", env.EventName), zap.String("event_id", env.EventID), zap.Bool("redelivered", d.Redelivered), zap.Error(err))
		_ = d.Nack(false, !d.Redelivered)
	}
}

func versionOf(eventName string) int {
	idx := strings.LastIndex(eventName, ".v")
	if idx < 0 {
		return 1
	}
	v := 0
	for _, r := range eventName[idx+2:] {
		if r < '0' || r > '9' {
			return 1
		}
		v = v*10 + int(r-'0')
	}
	if v == 0 {
		return 1
	}
	return v
}
