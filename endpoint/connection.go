package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/streampush/admission"
	"github.com/ggoodman/streampush/notifier"
	"github.com/ggoodman/streampush/useragent"
)

// Stream is the transport side of a connection. Implementations write to
// the held response; they are only called from the dispatcher worker.
type Stream interface {
	WriteMessages(msgs []notifier.Message) error
	WriteHeartbeat() error
}

// Client is the identity behind a stream together with the last time the
// dispatcher serviced it.
type Client struct {
	id      string
	lastUse atomic.Int64
}

func newClient(id string) *Client {
	c := &Client{id: id}
	c.Touch()
	return c
}

func (c *Client) ID() string { return c.id }

// Touch marks the client as serviced now.
func (c *Client) Touch() { c.lastUse.Store(time.Now().UnixNano()) }

func (c *Client) LastUse() time.Time { return time.Unix(0, c.lastUse.Load()) }

// Connection is an admitted stream. It holds one endpoint slot and one
// session slot until the endpoint closes it.
type Connection struct {
	ep        *Endpoint
	ctx       context.Context
	notifier  *notifier.Notifier
	stream    Stream
	client    *Client
	sessionID string
	agent     useragent.Settings

	endpointSlots *admission.Tracker
	sessionSlots  *admission.Tracker

	closed       atomic.Bool
	done         chan struct{}
	released     chan struct{}
	completeOnce sync.Once
	reason       atomic.Value
}

func (c *Connection) ID() string                   { return c.notifier.ID() }
func (c *Connection) ClientID() string             { return c.client.ID() }
func (c *Connection) SessionID() string            { return c.sessionID }
func (c *Connection) Client() *Client              { return c.client }
func (c *Connection) Notifier() *notifier.Notifier { return c.notifier }

// Agent returns the user agent settings matched when the stream opened.
func (c *Connection) Agent() useragent.Settings { return c.agent }

// Kickstart returns the padding the transport should write before the
// first frame.
func (c *Connection) Kickstart() []byte { return c.agent.Kickstart() }

// Active reports whether the request is still held open.
func (c *Connection) Active() bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Connection) WriteMessages(msgs []notifier.Message) error {
	return c.stream.WriteMessages(msgs)
}

func (c *Connection) WriteHeartbeat() error { return c.stream.WriteHeartbeat() }

// Complete ends the hold, letting Serve return.
func (c *Connection) Complete() {
	c.completeOnce.Do(func() { close(c.done) })
}

func (c *Connection) Touch() { c.client.Touch() }

// Done is closed once the hold has been completed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether the endpoint has released the connection.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Reason returns why the connection was closed, or "" while it is open.
func (c *Connection) Reason() CloseReason {
	r, _ := c.reason.Load().(CloseReason)
	return r
}

// Released is closed once the connection's slots have been returned and it
// has left the registry.
func (c *Connection) Released() <-chan struct{} { return c.released }

// Close releases the connection and returns once it has been released,
// whichever caller got there first. It is safe to call from any goroutine
// and any number of times; it reports whether this call closed it.
func (c *Connection) Close() bool { return c.ep.closeAndWait(c, ReasonClosed) }
