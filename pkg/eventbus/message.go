package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRoutingKey = errors.New("eventbus: invalid routing key")
	ErrInvalidPayload    = errors.New("eventbus: payload must encode to a JSON object")
	ErrMalformed         = errors.New("eventbus: malformed message")
	ErrUnavailable       = errors.New("eventbus: broker unavailable")
	ErrClosed            = errors.New("eventbus: closed")
	ErrExchangeNotFound  = errors.New("eventbus: exchange not found")
	ErrQueueNotFound     = errors.New("eventbus: queue not found")
	ErrAlreadySettled    = errors.New("eventbus: delivery already acknowledged")
)

// Message is a serialized event as it travels through the broker.
type Message struct {
	ID         string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	Timestamp  time.Time
	// Persistent asks the broker to write the message to disk.
	Persistent bool
}

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is a message handed to a consumer, pending acknowledgment.
type Delivery struct {
	Message
	Redelivered bool
	ack         Acknowledger
}

func NewDelivery(msg Message, redelivered bool, ack Acknowledger) Delivery {
	return Delivery{Message: msg, Redelivered: redelivered, ack: ack}
}

func (d Delivery) Ack() error { return d.ack.Ack() }

func (d Delivery) Nack(requeue bool) error { return d.ack.Nack(requeue) }

// Envelope is what handlers receive: the routing key, the decoded flat
// payload, and the raw body for typed decoding.
type Envelope struct {
	ID          string
	RoutingKey  string
	Payload     map[string]any
	Body        []byte
	PublishedAt time.Time
	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt int
}

// Decode unmarshals the body into v. Decoding failures are permanent.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return Permanent(fmt.Errorf("%w: %s: %v", ErrMalformed, e.RoutingKey, err))
	}
	return nil
}

// Handler processes one envelope. A nil return acknowledges the message.
type Handler func(ctx context.Context, env Envelope) error

func decodeEnvelope(d Delivery, attempt int) (Envelope, error) {
	var payload map[string]any
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return Envelope{}, Permanent(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if payload == nil {
		return Envelope{}, Permanent(fmt.Errorf("%w: empty payload", ErrMalformed))
	}
	return Envelope{
		ID:          d.ID,
		RoutingKey:  d.RoutingKey,
		Payload:     payload,
		Body:        d.Body,
		PublishedAt: d.Timestamp,
		Attempt:     attempt,
	}, nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable: the consumer dead-letters the
// message instead of requeueing it.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
