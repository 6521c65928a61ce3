package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/socialsync/config"
)

const waitTimeout = 2 * time.Second

func testOptions() Options {
	return Options{
		Exchange:           "social_events",
		DeadLetterExchange: "social_events.dlx",
		MaxDeliveries:      3,
		RetryBackoff:       time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
	}
}

type testBus struct {
	broker    *MemoryBroker
	publisher *Publisher
	consumer  *Consumer
}

func newTestBus(t *testing.T, opts Options) *testBus {
	t.Helper()
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	return &testBus{
		broker:    b,
		publisher: NewPublisher(b, opts),
		consumer:  NewConsumer(b, opts),
	}
}

func (tb *testBus) subscribe(t *testing.T, pattern string, h Handler) *Subscription {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := tb.consumer.Subscribe(ctx, pattern, h)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		<-sub.Done()
	})
	return sub
}

// deadLetters binds a raw queue on the dead-letter exchange.
func (tb *testBus) deadLetters(t *testing.T, exchange string) <-chan Delivery {
	t.Helper()
	ch, err := tb.broker.Channel(context.Background())
	require.NoError(t, err)
	require.NoError(t, ch.DeclareExchange(exchange, true))
	q, err := ch.BindQueue(exchange, "#")
	require.NoError(t, err)
	ds, err := ch.Consume(q, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ds
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
		var zero T
		return zero
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	tb := newTestBus(t, testOptions())
	got := make(chan Envelope, 1)
	tb.subscribe(t, "post.created", func(_ context.Context, env Envelope) error {
		got <- env
		return nil
	})

	payload := map[string]any{"postId": "p1", "userId": "u1", "content": "hello world"}
	require.NoError(t, tb.publisher.Publish(context.Background(), "post.created", payload))

	env := recv(t, got)
	assert.Equal(t, "post.created", env.RoutingKey)
	assert.Equal(t, "p1", env.Payload["postId"])
	assert.Equal(t, 1, env.Attempt)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.PublishedAt.IsZero())

	var typed struct {
		PostID string `json:"postId"`
	}
	require.NoError(t, env.Decode(&typed))
	assert.Equal(t, "p1", typed.PostID)
}

func TestFanOutToIndependentSubscriptions(t *testing.T) {
	tb := newTestBus(t, testOptions())
	search := make(chan string, 1)
	media := make(chan string, 1)
	tb.subscribe(t, "post.deleted", func(_ context.Context, env Envelope) error {
		search <- env.Payload["postId"].(string)
		return nil
	})
	tb.subscribe(t, "post.#", func(_ context.Context, env Envelope) error {
		media <- env.Payload["postId"].(string)
		return nil
	})

	require.NoError(t, tb.publisher.Publish(context.Background(), "post.deleted", map[string]any{"postId": "p9"}))
	assert.Equal(t, "p9", recv(t, search))
	assert.Equal(t, "p9", recv(t, media))
}

func TestOrderingWithinQueue(t *testing.T) {
	tb := newTestBus(t, testOptions())
	const n = 50
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	tb.subscribe(t, "post.*", func(_ context.Context, env Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.RoutingKey+":"+env.Payload["postId"].(string))
		if len(seen) == 2*n {
			close(done)
		}
		return nil
	})

	var want []string
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, tb.publisher.Publish(ctx, "post.created", map[string]any{"postId": id}))
		require.NoError(t, tb.publisher.Publish(ctx, "post.deleted", map[string]any{"postId": id}))
		want = append(want, "post.created:"+id, "post.deleted:"+id)
	}

	recv(t, done)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestRedeliveryKeepsOrder(t *testing.T) {
	tb := newTestBus(t, testOptions())
	var failures atomic.Int32
	order := make(chan string, 4)
	tb.subscribe(t, "post.*", func(_ context.Context, env Envelope) error {
		if env.RoutingKey == "post.created" && failures.Add(1) == 1 {
			return errors.New("store unavailable")
		}
		order <- env.RoutingKey
		return nil
	})

	ctx := context.Background()
	require.NoError(t, tb.publisher.Publish(ctx, "post.created", map[string]any{"postId": "p1"}))
	require.NoError(t, tb.publisher.Publish(ctx, "post.deleted", map[string]any{"postId": "p1"}))

	assert.Equal(t, "post.created", recv(t, order))
	assert.Equal(t, "post.deleted", recv(t, order))
}

func TestAckOnlyAfterHandlerSucceeds(t *testing.T) {
	tb := newTestBus(t, testOptions())
	attempts := make(chan int, 5)
	tb.subscribe(t, "post.created", func(_ context.Context, env Envelope) error {
		attempts <- env.Attempt
		if env.Attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, tb.publisher.Publish(context.Background(), "post.created", map[string]any{"postId": "p1"}))
	assert.Equal(t, 1, recv(t, attempts))
	assert.Equal(t, 2, recv(t, attempts))
	assert.Equal(t, 3, recv(t, attempts))

	select {
	case a := <-attempts:
		t.Fatalf("message delivered again after ack (attempt %d)", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeadLetterAfterMaxDeliveries(t *testing.T) {
	opts := testOptions()
	tb := newTestBus(t, opts)
	var calls atomic.Int32
	tb.subscribe(t, "post.created", func(context.Context, Envelope) error {
		calls.Add(1)
		return errors.New("always failing")
	})
	dlq := tb.deadLetters(t, opts.DeadLetterExchange)

	require.NoError(t, tb.publisher.Publish(context.Background(), "post.created", map[string]any{"postId": "p1"}))

	d := recv(t, dlq)
	require.NoError(t, d.Ack())
	assert.Equal(t, "post.created", d.RoutingKey)
	assert.Equal(t, "3", d.Headers[HeaderDeathAttempts])
	assert.Contains(t, d.Headers[HeaderDeathReason], "always failing")
	assert.Equal(t, int32(opts.MaxDeliveries), calls.Load())
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	opts := testOptions()
	tb := newTestBus(t, opts)
	var calls atomic.Int32
	tb.subscribe(t, "post.deleted", func(context.Context, Envelope) error {
		calls.Add(1)
		return Permanent(errors.New("missing postId"))
	})
	dlq := tb.deadLetters(t, opts.DeadLetterExchange)

	require.NoError(t, tb.publisher.Publish(context.Background(), "post.deleted", map[string]any{"mediaIds": []string{}}))

	d := recv(t, dlq)
	assert.Equal(t, "1", d.Headers[HeaderDeathAttempts])
	assert.Equal(t, int32(1), calls.Load())
}

func TestMalformedBodyIsDeadLettered(t *testing.T) {
	opts := testOptions()
	tb := newTestBus(t, opts)
	var calls atomic.Int32
	tb.subscribe(t, "post.created", func(context.Context, Envelope) error {
		calls.Add(1)
		return nil
	})
	dlq := tb.deadLetters(t, opts.DeadLetterExchange)

	raw, err := tb.broker.Channel(context.Background())
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.Publish(context.Background(), opts.Exchange, Message{RoutingKey: "post.created", Body: []byte("{not json")}))

	d := recv(t, dlq)
	assert.Contains(t, d.Headers[HeaderDeathReason], ErrMalformed.Error())
	assert.Equal(t, int32(0), calls.Load())
}

func TestDropsPoisonMessageWithoutDeadLetterExchange(t *testing.T) {
	opts := testOptions()
	opts.DeadLetterExchange = ""
	tb := newTestBus(t, opts)
	seen := make(chan string, 2)
	tb.subscribe(t, "post.*", func(_ context.Context, env Envelope) error {
		if env.RoutingKey == "post.created" {
			return Permanent(errors.New("bad"))
		}
		seen <- env.RoutingKey
		return nil
	})

	ctx := context.Background()
	require.NoError(t, tb.publisher.Publish(ctx, "post.created", map[string]any{"postId": "p1"}))
	require.NoError(t, tb.publisher.Publish(ctx, "post.deleted", map[string]any{"postId": "p1"}))
	assert.Equal(t, "post.deleted", recv(t, seen), "poison message must not block the queue")
}

func TestHandlerPanicIsRetried(t *testing.T) {
	tb := newTestBus(t, testOptions())
	ok := make(chan int, 1)
	tb.subscribe(t, "post.created", func(_ context.Context, env Envelope) error {
		if env.Attempt == 1 {
			panic("boom")
		}
		ok <- env.Attempt
		return nil
	})

	require.NoError(t, tb.publisher.Publish(context.Background(), "post.created", map[string]any{"postId": "p1"}))
	assert.Equal(t, 2, recv(t, ok))
}

func TestSubscriptionStopsOnCancel(t *testing.T) {
	opts := testOptions()
	tb := newTestBus(t, opts)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := tb.consumer.Subscribe(ctx, "post.created", func(context.Context, Envelope) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, tb.broker.Bindings(opts.Exchange))
	assert.NotEmpty(t, sub.Queue())

	cancel()
	recv(t, sub.Done())
	assert.NoError(t, sub.Wait())
	assert.Equal(t, 0, tb.broker.Bindings(opts.Exchange), "exclusive queue is removed with its subscription")
}

func TestSubscriptionReportsBrokerClose(t *testing.T) {
	tb := newTestBus(t, testOptions())
	sub, err := tb.consumer.Subscribe(context.Background(), "post.created", func(context.Context, Envelope) error { return nil })
	require.NoError(t, err)

	require.NoError(t, tb.broker.Close())
	recv(t, sub.Done())
	assert.ErrorIs(t, sub.Wait(), ErrUnavailable)
}

func TestMissedWhileOffline(t *testing.T) {
	tb := newTestBus(t, testOptions())
	ctx := context.Background()
	require.NoError(t, tb.publisher.Publish(ctx, "post.created", map[string]any{"postId": "early"}))

	got := make(chan string, 2)
	tb.subscribe(t, "post.created", func(_ context.Context, env Envelope) error {
		got <- env.Payload["postId"].(string)
		return nil
	})
	require.NoError(t, tb.publisher.Publish(ctx, "post.created", map[string]any{"postId": "late"}))
	assert.Equal(t, "late", recv(t, got))
}

func TestPublishValidation(t *testing.T) {
	tb := newTestBus(t, testOptions())
	ctx := context.Background()

	assert.ErrorIs(t, tb.publisher.Publish(ctx, "post.*", map[string]any{}), ErrInvalidRoutingKey)
	assert.ErrorIs(t, tb.publisher.Publish(ctx, "post.created", []string{"a"}), ErrInvalidPayload)
	assert.ErrorIs(t, tb.publisher.Publish(ctx, "post.created", make(chan int)), ErrInvalidPayload)
}

type unreachableBroker struct{ dials atomic.Int32 }

func (b *unreachableBroker) Channel(context.Context) (Channel, error) {
	b.dials.Add(1)
	return nil, ErrUnavailable
}

func (b *unreachableBroker) Close() error { return nil }

func TestPublishFailsLoudlyWhenBrokerUnreachable(t *testing.T) {
	b := &unreachableBroker{}
	p := NewPublisher(b, testOptions())

	err := p.Publish(context.Background(), "post.created", map[string]any{"postId": "p1"})
	assert.ErrorIs(t, err, ErrUnavailable)

	err = p.Publish(context.Background(), "post.created", map[string]any{"postId": "p1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), b.dials.Load(), "each publish retries the connection")
}

func TestPublisherReopensChannelAfterFailure(t *testing.T) {
	tb := newTestBus(t, testOptions())
	ctx := context.Background()
	require.NoError(t, tb.publisher.Publish(ctx, "post.created", map[string]any{"postId": "p1"}))

	// closing the channel under the publisher simulates a channel-level error
	tb.publisher.mu.Lock()
	_ = tb.publisher.ch.Close()
	tb.publisher.mu.Unlock()

	assert.Error(t, tb.publisher.Publish(ctx, "post.created", map[string]any{"postId": "p2"}))
	assert.NoError(t, tb.publisher.Publish(ctx, "post.created", map[string]any{"postId": "p3"}))
}

func TestBackoff(t *testing.T) {
	o := Options{RetryBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, o.backoff(1))
	assert.Equal(t, 200*time.Millisecond, o.backoff(2))
	assert.Equal(t, 400*time.Millisecond, o.backoff(3))
	assert.Equal(t, time.Second, o.backoff(10))
}

func TestDeadLettersAreKeptOnDurableQueue(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := config.LoadService("eventbus-test", 3100)
	require.NoError(t, err)
	opts := OptionsFromConfig(cfg.Events)
	require.Equal(t, "social_events.dlx.queue", opts.DeadLetterQueue)

	tb := newTestBus(t, opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := tb.consumer.Subscribe(ctx, "post.*", func(context.Context, Envelope) error {
		return Permanent(errors.New("missing postId"))
	})
	require.NoError(t, err)
	other, err := tb.consumer.Subscribe(ctx, "user.*", func(context.Context, Envelope) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, tb.broker.Bindings(opts.DeadLetterExchange), "redeclaring keeps one dead-letter queue")

	require.NoError(t, tb.publisher.Publish(context.Background(), "post.deleted", map[string]any{"mediaIds": []string{}}))
	require.Eventually(t, func() bool { return tb.broker.QueueLen(opts.DeadLetterQueue) == 1 }, waitTimeout, 5*time.Millisecond)

	// 订阅者全部退出后死信仍在
	cancel()
	<-sub.Done()
	<-other.Done()
	assert.Equal(t, 1, tb.broker.QueueLen(opts.DeadLetterQueue))

	ch, err := tb.broker.Channel(context.Background())
	require.NoError(t, err)
	defer ch.Close()
	ds, err := ch.Consume(opts.DeadLetterQueue, 1)
	require.NoError(t, err)

	d := recv(t, ds)
	require.NoError(t, d.Ack())
	assert.Equal(t, "post.deleted", d.RoutingKey)
	assert.Equal(t, "1", d.Headers[HeaderDeathAttempts])
	assert.Contains(t, d.Headers[HeaderDeathReason], "missing postId")
	assert.True(t, d.Persistent)
}

func TestDurableQueueRequeuesUnackedOnChannelClose(t *testing.T) {
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	ch, err := b.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.DeclareExchange("social_events.dlx", true))
	require.NoError(t, ch.DeclareDurableQueue("social_events.dlx", "parked", "#"))
	require.Error(t, ch.DeclareDurableQueue("social_events.dlx", "parked", "post.*"))
	require.NoError(t, ch.Publish(ctx, "social_events.dlx", Message{ID: "m1", RoutingKey: "post.created", Body: []byte(`{}`)}))

	ds, err := ch.Consume("parked", 1)
	require.NoError(t, err)
	first := recv(t, ds)
	assert.False(t, first.Redelivered)
	require.NoError(t, ch.Close())

	ch2, err := b.Channel(ctx)
	require.NoError(t, err)
	defer ch2.Close()
	ds2, err := ch2.Consume("parked", 1)
	require.NoError(t, err)
	again := recv(t, ds2)
	assert.Equal(t, "m1", again.ID)
	assert.True(t, again.Redelivered)
	require.NoError(t, again.Ack())
}
