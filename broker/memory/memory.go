// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for delivery. It is suitable for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/streampush/broker"
	"github.com/google/uuid"
)

const subscriberBuffer = 256

// Broker implements broker.Broker with process-local fan-out.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	closed      bool
	done        chan struct{}
	closeOnce   sync.Once
}

type subscription struct {
	ch   chan broker.Envelope
	done chan struct{}
}

// New creates a new memory-based broker instance.
func New() *Broker {
	return &Broker{
		subscribers: make(map[*subscription]struct{}),
		done:        make(chan struct{}),
	}
}

// Publish implements broker.Broker.Publish. It blocks while a subscriber's
// buffer is full, so a slow subscriber applies back-pressure rather than
// losing messages.
func (b *Broker) Publish(ctx context.Context, env broker.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return broker.ErrClosed
	}
	for sub := range b.subscribers {
		select {
		case sub.ch <- env:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements broker.Broker.Subscribe.
func (b *Broker) Subscribe(ctx context.Context, handler broker.MessageHandler) error {
	sub := &subscription{ch: make(chan broker.Envelope, subscriberBuffer), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		close(sub.done)
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return broker.ErrClosed
		case env := <-sub.ch:
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close implements broker.Broker.Close.
func (b *Broker) Close() error {
	// Wake subscribers first so publishers blocked on them can finish.
	b.closeOnce.Do(func() { close(b.done) })
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
