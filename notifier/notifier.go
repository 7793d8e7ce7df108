// Package notifier provides the per-connection mailbox used by streaming
// connections: producers Enqueue messages, the dispatcher Waits for a wake
// and Drains everything pending in FIFO order.
package notifier

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
)

// Message is one application payload pushed to a client.
type Message struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// WakeReason tells a waiter why Wait returned.
type WakeReason int

const (
	WokenBySignal WakeReason = iota
	WokenByTimeout
	WokenByStop
)

// Notifier is the mailbox for a single streaming connection.
type Notifier struct {
	id          string
	clientID    string
	idleTimeout time.Duration

	mu      sync.Mutex
	pending *queue.Queue

	wake     chan struct{}
	closed   atomic.Bool
	lastUsed atomic.Int64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithIdleTimeout sets how long the notifier may go without use before the
// idle manager closes it. Zero disables idle closure.
func WithIdleTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.idleTimeout = d }
}

// WithID overrides the generated notifier id.
func WithID(id string) Option {
	return func(n *Notifier) { n.id = id }
}

// New returns an open notifier owned by clientID.
func New(clientID string, opts ...Option) *Notifier {
	n := &Notifier{
		id:       uuid.NewString(),
		clientID: clientID,
		pending:  queue.New(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.UpdateLastUse()
	return n
}

func (n *Notifier) ID() string                 { return n.id }
func (n *Notifier) ClientID() string           { return n.clientID }
func (n *Notifier) IdleTimeout() time.Duration { return n.idleTimeout }
func (n *Notifier) Closed() bool               { return n.closed.Load() }

// LastUse returns the last time messages were delivered through the notifier.
func (n *Notifier) LastUse() time.Time { return time.Unix(0, n.lastUsed.Load()) }

// UpdateLastUse marks the notifier as used now.
func (n *Notifier) UpdateLastUse() { n.lastUsed.Store(time.Now().UnixNano()) }

// Enqueue appends msg and wakes the waiter. It reports false, dropping the
// message, when the notifier is closed.
func (n *Notifier) Enqueue(msg Message) bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	n.mu.Lock()
	if n.closed.Load() {
		n.mu.Unlock()
		return false
	}
	n.pending.Add(msg)
	n.mu.Unlock()

	n.signal()
	return true
}

// Drain removes and returns every pending message in enqueue order. It
// returns nil when nothing is pending or the notifier is closed.
func (n *Notifier) Drain() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed.Load() || n.pending.Length() == 0 {
		return nil
	}
	out := make([]Message, 0, n.pending.Length())
	for n.pending.Length() > 0 {
		out = append(out, n.pending.Remove().(Message))
	}
	// Everything signalled so far is in out.
	select {
	case <-n.wake:
	default:
	}
	return out
}

// Len returns the number of pending messages.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending.Length()
}

// Wait blocks until a message is enqueued, the notifier closes, timeout
// elapses or stop is closed. A timeout of zero or less waits without limit.
// A signal raised while nobody was waiting is consumed immediately.
func (n *Notifier) Wait(timeout time.Duration, stop <-chan struct{}) WakeReason {
	if timeout <= 0 {
		select {
		case <-n.wake:
			return WokenBySignal
		case <-stop:
			return WokenByStop
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-n.wake:
		return WokenBySignal
	case <-t.C:
		return WokenByTimeout
	case <-stop:
		return WokenByStop
	}
}

// Close marks the notifier closed, discards pending messages and wakes the
// waiter. Only the first call has any effect; it is the only one that
// returns true.
func (n *Notifier) Close() bool {
	n.mu.Lock()
	if !n.closed.CompareAndSwap(false, true) {
		n.mu.Unlock()
		return false
	}
	for n.pending.Length() > 0 {
		n.pending.Remove()
	}
	n.mu.Unlock()

	n.signal()
	return true
}

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}
