// Package brokertest is a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/streampush/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("CloseEndsSubscriptions", func(t *testing.T) {
		testCloseEndsSubscriptions(t, factory)
	})
}

const probeClient = "brokertest-probe"

// collector records envelopes for one subscription, ignoring probes.
type collector struct {
	mu    sync.Mutex
	envs  []broker.Envelope
	ready chan struct{}
	once  sync.Once
	seen  chan struct{}
}

func newCollector() *collector {
	return &collector{ready: make(chan struct{}), seen: make(chan struct{}, 1024)}
}

func (c *collector) handle(ctx context.Context, env broker.Envelope) error {
	if env.ClientID == probeClient {
		c.once.Do(func() { close(c.ready) })
		return nil
	}
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) received() []broker.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.Envelope(nil), c.envs...)
}

func (c *collector) waitFor(t *testing.T, n int) []broker.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for len(c.received()) < n {
		select {
		case <-c.seen:
		case <-deadline:
			t.Fatalf("expected %d envelopes, got %d", n, len(c.received()))
		}
	}
	return c.received()
}

// subscribe starts a subscription and publishes probes until it is live, so
// that brokers with at-most-once fan-out do not drop the test's messages.
func subscribe(t *testing.T, ctx context.Context, b broker.Broker, c *collector) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, c.handle) }()

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(5 * time.Second)
	for {
		if err := b.Publish(ctx, broker.Envelope{ClientID: probeClient, Data: json.RawMessage(`null`)}); err != nil {
			t.Fatalf("publish probe: %v", err)
		}
		select {
		case <-c.ready:
			return done
		case err := <-done:
			t.Fatalf("subscription ended before becoming ready: %v", err)
		case <-deadline:
			t.Fatalf("subscription never became ready")
		case <-tick.C:
		}
	}
}

func message(i int) broker.Envelope {
	return broker.Envelope{ClientID: "client-1", Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not complete within timeout")
		return nil
	}
}

func testPublishAndSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newCollector()
	done := subscribe(t, ctx, b, c)

	env := broker.Envelope{ClientID: "client-1", CorrelationID: "corr-1", Data: json.RawMessage(`{"hello":"world"}`)}
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}

	got := c.waitFor(t, 1)[0]
	if got.ID == "" {
		t.Fatal("Expected a generated envelope ID")
	}
	if got.ClientID != "client-1" || got.CorrelationID != "corr-1" {
		t.Fatalf("Envelope addressing lost: %+v", got)
	}
	var body map[string]string
	if err := json.Unmarshal(got.Data, &body); err != nil || body["hello"] != "world" {
		t.Fatalf("Envelope data lost: %s (%v)", got.Data, err)
	}

	cancel()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func testOrderPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newCollector()
	subscribe(t, ctx, b, c)

	const n = 50
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, message(i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	got := c.waitFor(t, n)
	for i, env := range got {
		var body struct{ N int }
		if err := json.Unmarshal(env.Data, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.N != i {
			t.Fatalf("message %d arrived at position %d", body.N, i)
		}
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c1, c2 := newCollector(), newCollector()
	subscribe(t, ctx, b, c1)
	subscribe(t, ctx, b, c2)

	if err := b.Publish(ctx, broker.Envelope{ID: "fixed-id", ClientID: "client-1", Data: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, c := range []*collector{c1, c2} {
		got := c.waitFor(t, 1)
		if got[0].ID != "fixed-id" {
			t.Fatalf("subscriber %d: expected caller-supplied ID, got %q", i, got[0].ID)
		}
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	c := newCollector()
	done := subscribe(t, ctx, b, c)

	cancel()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// Publishing after a subscriber left must not block or fail.
	pubCtx, pubCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pubCancel()
	if err := b.Publish(pubCtx, message(1)); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	boom := errors.New("handler failed")
	c := newCollector()
	inner := c.handle
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, func(ctx context.Context, env broker.Envelope) error {
			if err := inner(ctx, env); err != nil {
				return err
			}
			if env.ClientID != probeClient {
				return boom
			}
			return nil
		})
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
waitReady:
	for {
		if err := b.Publish(ctx, broker.Envelope{ClientID: probeClient, Data: json.RawMessage(`null`)}); err != nil {
			t.Fatalf("publish probe: %v", err)
		}
		select {
		case <-c.ready:
			break waitReady
		case <-deadline:
			t.Fatal("subscription never became ready")
		case <-tick.C:
		}
	}

	if err := b.Publish(ctx, message(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, boom) {
		t.Fatalf("Expected handler error, got %v", err)
	}
}

func testCloseEndsSubscriptions(t *testing.T, factory BrokerFactory) {
	b := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newCollector()
	done := subscribe(t, ctx, b, c)

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := waitDone(t, done); err == nil {
		t.Fatal("Expected an error from a subscription ended by Close")
	}
	if err := b.Publish(ctx, message(1)); err == nil {
		t.Fatal("Expected publish on a closed broker to fail")
	}
}

func cleanupBroker(t *testing.T, b broker.Broker) {
	t.Helper()
	if err := b.Close(); err != nil {
		t.Logf("close broker: %v", err)
	}
}
