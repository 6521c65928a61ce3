package eventbus

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/socialsync/pkg/logger"
	"github.com/d60-Lab/socialsync/pkg/metrics"
)

// Dead-letter headers
const (
	HeaderDeathReason   = "x-death-reason"
	HeaderDeathAttempts = "x-death-attempts"
	HeaderOriginalQueue = "x-original-queue"
)

// Consumer creates subscriptions on a broker.
type Consumer struct {
	broker Broker
	opts   Options
	tracer trace.Tracer
}

func NewConsumer(broker Broker, opts Options) *Consumer {
	return &Consumer{
		broker: broker,
		opts:   opts.withDefaults(),
		tracer: otel.Tracer(tracerName),
	}
}

// Subscribe binds an exclusive queue to pattern and starts a receive loop
// that calls h for each message in broker order. The binding exists when
// Subscribe returns. The loop stops when ctx is cancelled; the queue is
// removed with its channel.
func (c *Consumer) Subscribe(ctx context.Context, pattern string, h Handler) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	ch, err := c.broker.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	deliveries, queue, err := c.setup(ch, pattern)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	s := &Subscription{
		pattern:    pattern,
		queue:      queue,
		ch:         ch,
		deliveries: deliveries,
		handler:    h,
		opts:       c.opts,
		tracer:     c.tracer,
		attempts:   make(map[string]int),
		done:       make(chan struct{}),
		log:        logger.Named("consumer").With(zap.String("pattern", pattern), zap.String("queue", queue)),
	}
	if c.opts.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(c.opts.RatePerSecond), 1)
	}
	go s.run(ctx)

	s.log.Info("subscribed")
	return s, nil
}

func (c *Consumer) setup(ch Channel, pattern string) (<-chan Delivery, string, error) {
	if err := ch.DeclareExchange(c.opts.Exchange, c.opts.Durable); err != nil {
		return nil, "", err
	}
	if c.opts.DeadLetterExchange != "" {
		if err := ch.DeclareExchange(c.opts.DeadLetterExchange, true); err != nil {
			return nil, "", err
		}
		if err := ch.DeclareDurableQueue(c.opts.DeadLetterExchange, c.opts.DeadLetterQueue, "#"); err != nil {
			return nil, "", err
		}
	}
	queue, err := ch.BindQueue(c.opts.Exchange, pattern)
	if err != nil {
		return nil, "", err
	}
	deliveries, err := ch.Consume(queue, 1)
	if err != nil {
		return nil, "", err
	}
	return deliveries, queue, nil
}

// Subscription is one bound queue and its receive loop.
type Subscription struct {
	pattern    string
	queue      string
	ch         Channel
	deliveries <-chan Delivery
	handler    Handler
	opts       Options
	tracer     trace.Tracer
	limiter    *rate.Limiter
	log        *zap.Logger

	// failed attempts per message, owned by the run goroutine. Not persisted:
	// a restart resets the counts, and the exclusive queue goes with it.
	attempts map[string]int

	done chan struct{}
	err  error
}

func (s *Subscription) Pattern() string { return s.pattern }

func (s *Subscription) Queue() string { return s.queue }

// Done is closed when the receive loop has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Wait blocks until the loop stops and returns why: nil after
// cancellation, an error if the broker closed the delivery stream.
func (s *Subscription) Wait() error {
	<-s.done
	return s.err
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer func() { _ = s.ch.Close() }()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("subscription stopped")
			return
		case d, ok := <-s.deliveries:
			if !ok {
				s.err = fmt.Errorf("%w: delivery stream for %s ended", ErrUnavailable, s.queue)
				s.log.Error("delivery stream closed")
				return
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Subscription) handle(ctx context.Context, d Delivery) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			_ = d.Nack(true)
			return
		}
	}

	key := deliveryKey(d)
	attempt := s.attempts[key] + 1
	log := s.log.With(zap.String("routing_key", d.RoutingKey), zap.String("message_id", d.ID), zap.Int("attempt", attempt))

	env, err := decodeEnvelope(d, attempt)
	if err == nil {
		err = s.dispatch(ctx, d, env)
	}

	switch {
	case err == nil:
		delete(s.attempts, key)
		if ackErr := d.Ack(); ackErr != nil {
			log.Warn("ack failed", zap.Error(ackErr))
		}
		metrics.EventsConsumed.WithLabelValues(d.RoutingKey, metrics.OutcomeAcked).Inc()

	case ctx.Err() != nil:
		// shutting down: hand the message back without counting the attempt
		_ = d.Nack(true)

	case IsPermanent(err) || attempt >= s.opts.MaxDeliveries:
		delete(s.attempts, key)
		s.deadLetter(ctx, d, attempt, err, log)

	default:
		s.attempts[key] = attempt
		wait := s.opts.backoff(attempt)
		log.Warn("handler failed, requeueing", zap.Error(err), zap.Duration("backoff", wait))
		s.sleep(ctx, wait)
		_ = d.Nack(true)
		metrics.EventsConsumed.WithLabelValues(d.RoutingKey, metrics.OutcomeRequeued).Inc()
	}
}

func (s *Subscription) dispatch(ctx context.Context, d Delivery, env Envelope) (err error) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Headers))
	ctx, span := s.tracer.Start(ctx, "process "+d.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source.name", s.queue),
			attribute.String("messaging.message.id", d.ID),
			attribute.Int("messaging.delivery.attempt", env.Attempt),
		))
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.HandlerDuration.WithLabelValues(d.RoutingKey))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, env)
}

// deadLetter parks a message on the dead-letter exchange and acks it. If
// the park fails the message is requeued instead of dropped.
func (s *Subscription) deadLetter(ctx context.Context, d Delivery, attempt int, cause error, log *zap.Logger) {
	log = log.With(zap.Error(cause))
	sentry.CaptureException(fmt.Errorf("dead-lettered %s (%s): %w", d.RoutingKey, d.ID, cause))

	if s.opts.DeadLetterExchange == "" {
		log.Error("dropping message, no dead-letter exchange configured")
		_ = d.Ack()
		metrics.EventsConsumed.WithLabelValues(d.RoutingKey, metrics.OutcomeDeadLettered).Inc()
		return
	}

	msg := d.Message
	msg.Persistent = true
	msg.Headers = make(map[string]string, len(d.Headers)+3)
	maps.Copy(msg.Headers, d.Headers)
	msg.Headers[HeaderDeathReason] = cause.Error()
	msg.Headers[HeaderDeathAttempts] = strconv.Itoa(attempt)
	msg.Headers[HeaderOriginalQueue] = s.queue

	if err := s.ch.Publish(context.WithoutCancel(ctx), s.opts.DeadLetterExchange, msg); err != nil {
		log.Error("dead-letter publish failed, requeueing", zap.NamedError("publish_error", err))
		_ = d.Nack(true)
		return
	}
	log.Error("message dead-lettered", zap.String("exchange", s.opts.DeadLetterExchange), zap.String("queue", s.opts.DeadLetterQueue))
	_ = d.Ack()
	metrics.EventsConsumed.WithLabelValues(d.RoutingKey, metrics.OutcomeDeadLettered).Inc()
}

func (s *Subscription) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// deliveryKey identifies a message across redeliveries. Publishers that do
// not set a message ID are keyed by body.
func deliveryKey(d Delivery) string {
	if d.ID != "" {
		return d.ID
	}
	sum := sha1.Sum(append([]byte(d.RoutingKey+"\x00"), d.Body...))
	return hex.EncodeToString(sum[:])
}

// IsClosed reports whether err means the bus was shut down.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled)
}
