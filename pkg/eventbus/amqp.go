package eventbus

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/pkg/logger"
)

// AMQPBroker is a RabbitMQ connection. It dials lazily on the first Channel
// call and redials if the connection has dropped.
type AMQPBroker struct {
	url string

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

func NewAMQPBroker(url string) *AMQPBroker {
	return &AMQPBroker{url: url}
}

// Connect dials eagerly so a process can fail fast at startup.
func (b *AMQPBroker) Connect() error {
	_, err := b.connection()
	return err
}

func (b *AMQPBroker) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	b.conn = conn
	logger.Info("connected to rabbitmq")
	return conn, nil
}

func (b *AMQPBroker) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", ErrUnavailable, err)
	}
	return &amqpChannel{ch: ch, done: make(chan struct{})}, nil
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

type amqpChannel struct {
	ch        *amqp.Channel
	done      chan struct{}
	closeOnce sync.Once
}

func (c *amqpChannel) DeclareExchange(name string, durable bool) error {
	if err := c.ch.ExchangeDeclare(name, amqp.ExchangeTopic, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

func (c *amqpChannel) Publish(ctx context.Context, exchange string, msg Message) error {
	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	return c.ch.PublishWithContext(ctx, exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		DeliveryMode: mode,
		Body:         msg.Body,
	})
}

func (c *amqpChannel) BindQueue(exchange, pattern string) (string, error) {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind %s to %s/%s: %w", q.Name, exchange, pattern, err)
	}
	return q.Name, nil
}

func (c *amqpChannel) DeclareDurableQueue(exchange, name, pattern string) error {
	if _, err := c.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := c.ch.QueueBind(name, pattern, exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s/%s: %w", name, exchange, pattern, err)
	}
	return nil
}

func (c *amqpChannel) Consume(queue string, prefetch int) (<-chan Delivery, error) {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	msgs, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range msgs {
			select {
			case out <- NewDelivery(fromAMQP(d), d.Redelivered, amqpAck{d: d}):
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if !c.ch.IsClosed() {
			err = c.ch.Close()
		}
	})
	return err
}

func fromAMQP(d amqp.Delivery) Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return Message{
		ID:         d.MessageId,
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Headers:    headers,
		Timestamp:  d.Timestamp,
	}
}

type amqpAck struct{ d amqp.Delivery }

func (a amqpAck) Ack() error { return a.d.Ack(false) }

func (a amqpAck) Nack(requeue bool) error {
	if err := a.d.Nack(false, requeue); err != nil {
		logger.Warn("nack failed", zap.String("message_id", a.d.MessageId), zap.Error(err))
		return err
	}
	return nil
}
