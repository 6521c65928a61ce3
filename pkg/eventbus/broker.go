// Package eventbus binds the services to a topic exchange: an owned broker
// connection, a publisher, and consumers with ack-after-handler semantics,
// bounded redelivery and dead-lettering.
package eventbus

import (
	"context"
	"time"

	"github.com/d60-Lab/socialsync/config"
)

// Broker is one owned connection to the message broker. Channels are
// multiplexed on it; closing the broker closes all of them.
type Broker interface {
	Channel(ctx context.Context) (Channel, error)
	Close() error
}

// Channel is a logical session on a broker connection. A channel is not
// safe for concurrent publishing.
type Channel interface {
	// DeclareExchange declares a topic exchange; redeclaring with the same
	// durability is a no-op.
	DeclareExchange(name string, durable bool) error
	Publish(ctx context.Context, exchange string, msg Message) error
	// BindQueue declares a server-named exclusive, auto-delete queue and binds
	// it to exchange under pattern.
	BindQueue(exchange, pattern string) (string, error)
	// DeclareDurableQueue declares a durable, named, shared queue bound to
	// exchange under pattern. It outlives the channel.
	DeclareDurableQueue(exchange, name, pattern string) error
	// Consume starts delivery from queue with manual acknowledgment.
	Consume(queue string, prefetch int) (<-chan Delivery, error)
	Close() error
}

// Options shared by Publisher and Consumer.
type Options struct {
	Exchange           string
	Durable            bool
	DeadLetterExchange string
	// DeadLetterQueue is the durable queue bound to DeadLetterExchange with
	// "#". Defaults to "<DeadLetterExchange>.queue".
	DeadLetterQueue string
	// MaxDeliveries is the number of failed attempts after which a message
	// is dead-lettered.
	MaxDeliveries int
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	// RatePerSecond paces each subscription; zero means unlimited.
	RatePerSecond float64
}

const DefaultExchange = "social_events"

func OptionsFromConfig(cfg config.EventsConfig) Options {
	return Options{
		Exchange:           cfg.Exchange,
		Durable:            cfg.Durable,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
		MaxDeliveries:      cfg.MaxDeliveries,
		RetryBackoff:       cfg.RetryBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		RatePerSecond:      cfg.RatePerSecond,
	}
}

func (o Options) withDefaults() Options {
	if o.Exchange == "" {
		o.Exchange = DefaultExchange
	}
	if o.DeadLetterExchange != "" && o.DeadLetterQueue == "" {
		o.DeadLetterQueue = o.DeadLetterExchange + ".queue"
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// backoff returns the wait before requeueing the given failed attempt.
func (o Options) backoff(attempt int) time.Duration {
	d := o.RetryBackoff
	for i := 1; i < attempt && d < o.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, o.MaxBackoff)
}
