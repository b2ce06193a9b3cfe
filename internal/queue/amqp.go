package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"ecg-server/internal/persist"
)

const RoutingKey = "persist.stream"

type Job struct {
	StreamKey  string    `json:"stream_key"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return conn, nil
}

// Publisher schedules jobs by publishing them to a durable topic exchange.
type Publisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
	now        func() time.Time
}

func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Publisher{channel: ch, exchange: exchange, routingKey: RoutingKey, now: time.Now}, nil
}

func (p *Publisher) Schedule(ctx context.Context, key string) error {
	body, err := json.Marshal(Job{StreamKey: key, EnqueuedAt: p.now().UTC()})
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    p.now().UTC(),
			Body:         body,
		},
	)
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}

// Consumer runs jobs from the queue. A delivery is acked when the job
// succeeds or fails for a reason a retry cannot fix, and dropped otherwise;
// the handler has already retried by then.
type Consumer struct {
	channel  *amqp.Channel
	queue    string
	handler  Handler
	prefetch int
	logger   *slog.Logger
}

func NewConsumer(conn *amqp.Connection, exchange, queue string, prefetch int, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(queue, RoutingKey, exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &Consumer{channel: ch, queue: queue, handler: handler, prefetch: prefetch, logger: logger}, nil
}

// Start consumes until ctx is done or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, c.prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("persist consumer shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("amqp channel closed")
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(msg amqp.Delivery) {
				defer func() {
					<-sem
					wg.Done()
				}()
				c.handle(ctx, msg)
			}(msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil || job.StreamKey == "" {
		c.logger.Error("invalid persist job", "message_id", msg.MessageId, "error", err)
		_ = msg.Nack(false, false)
		return
	}

	err := c.handler(ctx, job.StreamKey)
	switch {
	case err == nil:
		_ = msg.Ack(false)
	case errors.Is(err, persist.ErrIntegrity):
		c.logger.Error("persist job rejected", "key", job.StreamKey, "error", err)
		_ = msg.Ack(false)
	default:
		c.logger.Error("persist job failed", "key", job.StreamKey, "error", err)
		_ = msg.Nack(false, false)
	}
}

func (c *Consumer) Close() error {
	return c.channel.Close()
}
