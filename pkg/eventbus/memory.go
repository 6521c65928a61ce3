package eventbus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process topic broker with the same routing and
// acknowledgment semantics as the AMQP binding: topic exchanges, exclusive
// auto-delete queues per binding, named durable queues, one unacked delivery
// per consumer, and requeue-at-head on nack. Used by tests, local runs and benchmarks.
type MemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string]*memExchange
	channels  map[*memChannel]struct{}
	// named durable queues, kept across channels until the broker closes
	durable map[string]*memQueue
	seq     int
	closed  bool
}

type memExchange struct {
	durable bool
	queues  map[string]*memQueue
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string]*memExchange),
		channels:  make(map[*memChannel]struct{}),
		durable:   make(map[string]*memQueue),
	}
}

func (b *MemoryBroker) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := &memChannel{broker: b, queues: make(map[string]*memBinding)}
	b.channels[ch] = struct{}{}
	return ch, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	chans := make([]*memChannel, 0, len(b.channels))
	for ch := range b.channels {
		chans = append(chans, ch)
	}
	queues := make([]*memQueue, 0, len(b.durable))
	for _, q := range b.durable {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}
	for _, q := range queues {
		q.close()
	}
	return nil
}

// QueueLen returns the number of ready messages on a durable queue.
func (b *MemoryBroker) QueueLen(name string) int {
	b.mu.Lock()
	q, ok := b.durable[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bindings returns how many queues are bound to exchange.
func (b *MemoryBroker) Bindings(exchange string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[exchange]; ok {
		return len(ex.queues)
	}
	return 0
}

type memBinding struct {
	exchange string
	queue    *memQueue
}

type memChannel struct {
	broker *MemoryBroker
	// guarded by broker.mu
	queues map[string]*memBinding
	// one per Consume call; closed with the channel
	stops  []chan struct{}
	closed bool
}

func (c *memChannel) DeclareExchange(name string, durable bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.durable != durable {
			return fmt.Errorf("declare exchange %s: durable mismatch", name)
		}
		return nil
	}
	b.exchanges[name] = &memExchange{durable: durable, queues: make(map[string]*memQueue)}
	return nil
}

func (c *memChannel) Publish(ctx context.Context, exchange string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchange)
	}
	// unroutable messages are dropped, as with a non-mandatory AMQP publish
	for _, q := range ex.queues {
		if Match(q.pattern, msg.RoutingKey) {
			q.push(memItem{msg: cloneMessage(msg)})
		}
	}
	return nil
}

func (c *memChannel) BindQueue(exchange, pattern string) (string, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrExchangeNotFound, exchange)
	}
	b.seq++
	name := fmt.Sprintf("amq.gen-%d", b.seq)
	q := newMemQueue(pattern)
	ex.queues[name] = q
	c.queues[name] = &memBinding{exchange: exchange, queue: q}
	return name, nil
}

func (c *memChannel) DeclareDurableQueue(exchange, name, pattern string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchange)
	}
	q, ok := b.durable[name]
	if !ok {
		q = newMemQueue(pattern)
		b.durable[name] = q
	} else if q.pattern != pattern {
		return fmt.Errorf("declare queue %s: binding mismatch", name)
	}
	ex.queues[name] = q
	return nil
}

// Consume delivers one message at a time regardless of prefetch.
func (c *memChannel) Consume(queue string, _ int) (<-chan Delivery, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	var q *memQueue
	if binding, ok := c.queues[queue]; ok {
		q = binding.queue
	} else if dq, ok := b.durable[queue]; ok {
		q = dq
	} else {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}
	stop := make(chan struct{})
	c.stops = append(c.stops, stop)
	out := make(chan Delivery)
	go q.serve(out, stop)
	return out, nil
}

func (c *memChannel) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, stop := range c.stops {
		close(stop)
	}
	for name, binding := range c.queues {
		if ex, ok := b.exchanges[binding.exchange]; ok {
			delete(ex.queues, name)
		}
		binding.queue.close()
	}
	delete(b.channels, c)
	return nil
}

type memItem struct {
	msg         Message
	redelivered bool
}

type memQueue struct {
	pattern string

	mu    sync.Mutex
	items []memItem

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newMemQueue(pattern string) *memQueue {
	return &memQueue{
		pattern: pattern,
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (q *memQueue) push(it memItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.signal()
}

func (q *memQueue) pushFront(it memItem) {
	q.mu.Lock()
	q.items = append([]memItem{it}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *memQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop(stop <-chan struct{}) (memItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.closed:
			return memItem{}, false
		case <-stop:
			return memItem{}, false
		}
	}
}

func (q *memQueue) close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// serve hands out one delivery and waits for it to be settled before the
// next, which keeps per-queue order across requeues. When stop closes, an
// unsettled delivery goes back to the head of the queue.
func (q *memQueue) serve(out chan<- Delivery, stop <-chan struct{}) {
	defer close(out)
	for {
		it, ok := q.pop(stop)
		if !ok {
			return
		}
		ack := &memAck{result: make(chan bool, 1)}
		select {
		case out <- NewDelivery(it.msg, it.redelivered, ack):
		case <-q.closed:
			return
		case <-stop:
			q.pushFront(it)
			return
		}
		select {
		case requeue := <-ack.result:
			if requeue {
				q.pushFront(memItem{msg: it.msg, redelivered: true})
			}
		case <-q.closed:
			return
		case <-stop:
			select {
			case requeue := <-ack.result:
				if !requeue {
					return
				}
			default:
			}
			q.pushFront(memItem{msg: it.msg, redelivered: true})
			return
		}
	}
}

type memAck struct {
	once   sync.Once
	result chan bool
}

func (a *memAck) Ack() error { return a.settle(false) }

func (a *memAck) Nack(requeue bool) error { return a.settle(requeue) }

func (a *memAck) settle(requeue bool) error {
	settled := false
	a.once.Do(func() {
		a.result <- requeue
		settled = true
	})
	if !settled {
		return ErrAlreadySettled
	}
	return nil
}

func cloneMessage(m Message) Message {
	out := m
	out.Body = append([]byte(nil), m.Body...)
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
