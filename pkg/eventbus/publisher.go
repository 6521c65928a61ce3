package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/pkg/logger"
	"github.com/d60-Lab/socialsync/pkg/metrics"
)

const tracerName = "github.com/d60-Lab/socialsync/pkg/eventbus"

// Publisher owns one outbound channel on the broker. Publish returns once
// the message is handed to the channel; there is no delivery confirmation.
type Publisher struct {
	broker Broker
	opts   Options
	tracer trace.Tracer

	mu sync.Mutex
	ch Channel
}

func NewPublisher(broker Broker, opts Options) *Publisher {
	return &Publisher{
		broker: broker,
		opts:   opts.withDefaults(),
		tracer: otel.Tracer(tracerName),
	}
}

// Publish encodes payload as a JSON object and publishes it under routingKey.
// The channel and exchange are set up on first use; a broker that cannot be
// reached is reported to the caller.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	if err := ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.opts.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		))
	defer span.End()

	msg := Message{
		ID:         uuid.NewString(),
		RoutingKey: routingKey,
		Body:       body,
		Headers:    make(map[string]string),
		Timestamp:  time.Now().UTC(),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))

	if err := p.send(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.EventsPublishFailed.WithLabelValues(routingKey).Inc()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	metrics.EventsPublished.WithLabelValues(routingKey).Inc()
	logger.Info("event published", zap.String("routing_key", routingKey), zap.String("message_id", msg.ID))
	return nil
}

func (p *Publisher) send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		ch, err := p.broker.Channel(ctx)
		if err != nil {
			return err
		}
		if err := ch.DeclareExchange(p.opts.Exchange, p.opts.Durable); err != nil {
			_ = ch.Close()
			return err
		}
		p.ch = ch
	}
	if err := p.ch.Publish(ctx, p.opts.Exchange, msg); err != nil {
		// a failed channel is not reused; the next publish opens a new one
		_ = p.ch.Close()
		p.ch = nil
		return err
	}
	return nil
}

// Close releases the publisher's channel. The broker connection stays open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

func encodePayload(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		return nil, ErrInvalidPayload
	}
	return body, nil
}
