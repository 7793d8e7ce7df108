// Package dispatch runs the single worker that services every open
// streaming connection.
//
// The worker walks the queue of connections in admission order. For each
// one it writes any messages that piled up, then blocks on that
// connection's notifier for up to one heartbeat interval, then writes what
// arrived or a heartbeat byte. Connections are serviced one after another,
// so in a pass over n connections the k-th one may wait up to k heartbeat
// intervals. That bound is the price of running one worker regardless of
// the number of streams.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/streampush/notifier"
)

var (
	// ErrClientGone is the eviction cause when the transport reports the
	// request is no longer active.
	ErrClientGone = errors.New("client disconnected")
	// ErrStopped is returned by Enqueue after Stop and is the eviction cause
	// for connections still queued when Stop runs.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrUnexpected wraps panics recovered while servicing a connection.
	ErrUnexpected = errors.New("unexpected dispatch error")
)

// WriteError is the eviction cause when writing to the client failed.
type WriteError struct {
	Heartbeat bool
	Err       error
}

func (e *WriteError) Error() string {
	if e.Heartbeat {
		return "heartbeat write failed: " + e.Err.Error()
	}
	return "message write failed: " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

// Conn is the dispatcher's view of one streaming connection.
type Conn interface {
	ID() string
	Notifier() *notifier.Notifier
	// Active reports whether the transport still holds the request open.
	Active() bool
	WriteMessages(msgs []notifier.Message) error
	WriteHeartbeat() error
	// Complete ends the transport hold. It must be idempotent.
	Complete()
	// Touch refreshes the owning client's last-use marker. It is called
	// without any notifier lock held.
	Touch()
}

// EvictFunc is called once for every connection the dispatcher drops, after
// the connection left the queue and before its hold is completed. cause is
// nil for a normal server-side close.
type EvictFunc func(c Conn, cause error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats and
// makes the per-connection wait unbounded.
func WithHeartbeat(interval time.Duration) Option {
	return func(d *Dispatcher) { d.heartbeat = interval }
}

// Dispatcher owns the connection queue and the worker goroutine.
type Dispatcher struct {
	log       *slog.Logger
	heartbeat time.Duration
	onEvict   EvictFunc

	mu      sync.Mutex
	entries []Conn
	index   map[string]struct{}
	stopped bool

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New returns an idle dispatcher. onEvict may be nil.
func New(onEvict EvictFunc, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:     slog.Default(),
		onEvict: onEvict,
		index:   make(map[string]struct{}),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue adds c to the queue and starts the worker if it is not running.
func (d *Dispatcher) Enqueue(c Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if _, ok := d.index[c.ID()]; ok {
		return nil
	}
	d.entries = append(d.entries, c)
	d.index[c.ID()] = struct{}{}

	if d.running.CompareAndSwap(false, true) {
		d.wg.Add(1)
		go d.run()
		d.log.Debug("dispatch.worker.start", slog.Int("queued", len(d.entries)))
	}
	return nil
}

// Remove drops c from the queue without evicting it. It reports whether c
// was queued.
func (d *Dispatcher) Remove(c Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(c.ID())
}

// Len returns the number of queued connections.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Running reports whether the worker goroutine is active.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Stop wakes the worker, waits for it to exit and evicts every connection
// still queued. Further Enqueue calls fail with ErrStopped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	left := d.entries
	d.entries = nil
	d.index = make(map[string]struct{})
	d.mu.Unlock()

	for _, c := range left {
		d.finish(c, ErrStopped)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	defer d.log.Debug("dispatch.worker.exit")

	for {
		batch := d.snapshot()
		if len(batch) == 0 {
			d.running.Store(false)
			// An Enqueue that saw running == true just before the Store above
			// did not start a worker; pick its work up here.
			if d.Len() == 0 || !d.running.CompareAndSwap(false, true) {
				return
			}
			continue
		}
		for _, c := range batch {
			select {
			case <-d.stop:
				// Enqueue refuses work once stopped, so no worker can follow.
				d.running.Store(false)
				return
			default:
			}
			if !d.queued(c) {
				continue
			}
			d.service(c)
		}
	}
}

// service runs one step for c, isolating the loop from anything c does.
func (d *Dispatcher) service(c Conn) {
	defer func() {
		if r := recover(); r != nil {
			d.evict(c, fmt.Errorf("%w: %v", ErrUnexpected, r))
		}
	}()
	if evict, cause := d.step(c); evict {
		d.evict(c, cause)
	}
}

func (d *Dispatcher) step(c Conn) (bool, error) {
	n := c.Notifier()

	if !c.Active() {
		return true, ErrClientGone
	}

	// Catch up on anything that arrived since the previous pass.
	if msgs := n.Drain(); len(msgs) > 0 {
		if err := c.WriteMessages(msgs); err != nil {
			return true, &WriteError{Err: err}
		}
		n.UpdateLastUse()
	}

	if n.Closed() {
		return true, nil
	}

	if n.Wait(d.heartbeat, d.stop) == notifier.WokenByStop {
		return false, nil
	}

	msgs := n.Drain()
	switch {
	case len(msgs) > 0:
		if err := c.WriteMessages(msgs); err != nil {
			return true, &WriteError{Err: err}
		}
		n.UpdateLastUse()
	case d.heartbeat > 0 && !n.Closed():
		if err := c.WriteHeartbeat(); err != nil {
			return true, &WriteError{Heartbeat: true, Err: err}
		}
	}

	c.Touch()
	return false, nil
}

// evict removes c from the queue and hands it to finish. Removal and
// cleanup always happen together.
func (d *Dispatcher) evict(c Conn, cause error) {
	d.mu.Lock()
	d.removeLocked(c.ID())
	d.mu.Unlock()
	d.finish(c, cause)
}

func (d *Dispatcher) finish(c Conn, cause error) {
	attrs := []any{slog.String("conn_id", c.ID())}
	var we *WriteError
	switch {
	case cause == nil:
		d.log.Debug("dispatch.conn.closed", attrs...)
	case errors.Is(cause, ErrClientGone), errors.Is(cause, ErrStopped):
		d.log.Debug("dispatch.conn.gone", append(attrs, slog.String("cause", cause.Error()))...)
	case errors.As(cause, &we):
		if !errors.Is(we.Err, io.ErrClosedPipe) {
			d.log.Warn("dispatch.write.fail", append(attrs, slog.String("err", cause.Error()))...)
		}
	default:
		d.log.Error("dispatch.conn.fail", append(attrs, slog.String("err", cause.Error()))...)
	}

	if d.onEvict != nil {
		d.onEvict(c, cause)
	}
	c.Complete()
}

func (d *Dispatcher) snapshot() []Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Conn(nil), d.entries...)
}

func (d *Dispatcher) queued(c Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[c.ID()]
	return ok
}

func (d *Dispatcher) removeLocked(id string) bool {
	if _, ok := d.index[id]; !ok {
		return false
	}
	delete(d.index, id)
	for i, e := range d.entries {
		if e.ID() == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	return true
}
