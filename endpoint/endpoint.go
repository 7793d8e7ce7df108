// Package endpoint ties admission, the connection registry, the idle
// manager and the dispatcher into the lifecycle of a streaming connection.
//
// A transport calls Open to admit a stream, writes its preamble, then calls
// Serve, which blocks for the life of the stream. Every way a stream can
// end (normal completion, client disconnect, idle timeout, write failure,
// shutdown) funnels into a single close path that runs exactly once and
// returns the stream's admission slots.
package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/streampush/admission"
	"github.com/ggoodman/streampush/internal/dispatch"
	"github.com/ggoodman/streampush/internal/idle"
	"github.com/ggoodman/streampush/internal/registry"
	"github.com/ggoodman/streampush/notifier"
	"github.com/ggoodman/streampush/useragent"
)

var (
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("endpoint stopped")
	// ErrDuplicateConnection is returned by Open when the client already
	// holds a stream on this endpoint. The existing stream is left alone.
	ErrDuplicateConnection = errors.New("client already has an open stream")
	// ErrNoStream is returned by Push when the client holds no stream.
	ErrNoStream = errors.New("client has no open stream")
	// ErrMissingClient is returned by Open when no client id was supplied.
	ErrMissingClient = errors.New("client id is required")
	// ErrMissingStream is returned by Open when no Stream was supplied.
	ErrMissingStream = errors.New("stream is required")
)

// CloseReason records what ended a connection.
type CloseReason string

const (
	ReasonCompleted   CloseReason = "completed"
	ReasonClientGone  CloseReason = "client_gone"
	ReasonIdle        CloseReason = "idle_timeout"
	ReasonHoldTimeout CloseReason = "hold_timeout"
	ReasonWriteError  CloseReason = "write_error"
	ReasonError       CloseReason = "error"
	ReasonShutdown    CloseReason = "shutdown"
	ReasonClosed      CloseReason = "closed"
)

// OpenRequest describes a stream a client wants to open.
type OpenRequest struct {
	ClientID string
	// SessionID groups streams for the per-session limit. Defaults to
	// ClientID.
	SessionID string
	UserAgent string
	Stream    Stream
}

// Stats is a point-in-time view of the endpoint's admission state.
type Stats struct {
	Streams               int  `json:"streams"`
	MaxStreams            int  `json:"maxStreams"`
	CanAdmit              bool `json:"canAdmit"`
	Connections           int  `json:"connections"`
	Sessions              int  `json:"sessions"`
	DispatcherQueued      int  `json:"dispatcherQueued"`
	DispatcherRunning     bool `json:"dispatcherRunning"`
	IdleDeadlines         int  `json:"idleDeadlines"`
	DefaultSessionStreams int  `json:"defaultSessionStreams"`
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) { e.log = l }
}

// WithUserAgents supplies the user agent table consulted on Open.
func WithUserAgents(t *useragent.Table) Option {
	return func(e *Endpoint) { e.agents = t }
}

// Endpoint admits and services streaming connections.
type Endpoint struct {
	cfg    Config
	log    *slog.Logger
	agents *useragent.Table

	slots    *admission.Tracker
	sessions *admission.SessionTable
	conns    *registry.Registry[*Connection]
	idle     *idle.Manager
	disp     *dispatch.Dispatcher

	stopped  atomic.Bool
	stopOnce sync.Once
}

// New returns an Endpoint. The dispatcher worker is started on demand.
func New(cfg Config, opts ...Option) *Endpoint {
	e := &Endpoint{
		cfg:      cfg,
		log:      slog.Default(),
		slots:    admission.NewTracker(cfg.MaxStreamsPerEndpoint),
		sessions: admission.NewSessionTable(cfg.MaxStreamsPerSession),
		conns:    registry.New[*Connection](),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.idle = idle.New(e.expire)
	e.disp = dispatch.New(e.evict, dispatch.WithLogger(e.log), dispatch.WithHeartbeat(cfg.Heartbeat))
	return e
}

// Open admits a new stream for req.Client. On success the returned
// connection holds an endpoint slot and a session slot, which are returned
// when it closes. Open fails with an *admission.RejectedError when either
// limit is reached and with ErrDuplicateConnection when the client already
// has a stream.
func (e *Endpoint) Open(ctx context.Context, req OpenRequest) (*Connection, error) {
	if e.stopped.Load() {
		return nil, ErrStopped
	}
	if req.ClientID == "" {
		return nil, ErrMissingClient
	}
	if req.Stream == nil {
		return nil, ErrMissingStream
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.ClientID
	}

	agent, _ := e.agents.Match(req.UserAgent)
	sess := e.sessions.AcquireWithLimit(sessionID, agent.MaxStreamingConnectionsPerSession)

	if err := admission.TryOpen(e.slots, sess); err != nil {
		e.sessions.Put(sessionID)
		attrs := []any{slog.String("client_id", req.ClientID), slog.String("err", err.Error())}
		var rej *admission.RejectedError
		if errors.As(err, &rej) && rej.Scope == admission.ScopeEndpoint {
			e.log.ErrorContext(ctx, "admission.reject", attrs...)
		} else {
			if agent.MatchOn != "" {
				attrs = append(attrs, slog.String("user_agent", agent.MatchOn))
			}
			e.log.InfoContext(ctx, "admission.reject", attrs...)
		}
		return nil, err
	}

	c := &Connection{
		ep:            e,
		ctx:           ctx,
		notifier:      notifier.New(req.ClientID, notifier.WithIdleTimeout(e.cfg.IdleTimeout)),
		stream:        req.Stream,
		client:        newClient(req.ClientID),
		sessionID:     sessionID,
		agent:         agent,
		endpointSlots: e.slots,
		sessionSlots:  sess,
		done:          make(chan struct{}),
		released:      make(chan struct{}),
	}

	if err := e.conns.Add(c); err != nil {
		admission.Rollback(e.slots, sess)
		e.sessions.Put(sessionID)
		c.notifier.Close()
		e.log.InfoContext(ctx, "stream.open.duplicate", slog.String("client_id", req.ClientID))
		return nil, ErrDuplicateConnection
	}

	// Stop may have cleared the registry between the check above and Add.
	if e.stopped.Load() {
		e.closeConnection(c, ReasonShutdown)
		return nil, ErrStopped
	}

	e.log.DebugContext(ctx, "stream.open.ok",
		slog.String("stream_id", c.ID()),
		slog.String("client_id", req.ClientID),
		slog.Int("endpoint_streams", e.slots.Count()),
		slog.Int("session_streams", sess.Count()),
	)
	return c, nil
}

// Serve hands c to the dispatcher and blocks until the stream ends: the
// hold is completed by the endpoint, ctx is done (the client went away) or
// the hold timeout elapses. The connection has been released, with its close
// reason recorded, by the time Serve returns.
func (e *Endpoint) Serve(ctx context.Context, c *Connection) error {
	if c.Closed() {
		<-c.released
		return nil
	}
	e.idle.Schedule(c.notifier)
	if err := e.disp.Enqueue(c); err != nil {
		e.closeAndWait(c, ReasonShutdown)
		return ErrStopped
	}

	hold := time.NewTimer(e.cfg.holdTimeout())
	defer hold.Stop()

	reason := ReasonCompleted
	select {
	case <-c.done:
	case <-ctx.Done():
		reason = ReasonClientGone
	case <-hold.C:
		reason = ReasonHoldTimeout
	}
	e.closeAndWait(c, reason)
	return nil
}

// Push queues msg on clientID's stream.
func (e *Endpoint) Push(ctx context.Context, clientID string, msg notifier.Message) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	c, ok := e.conns.ByClient(clientID)
	if !ok || !c.notifier.Enqueue(msg) {
		return ErrNoStream
	}
	return nil
}

// Connection returns the open stream held by clientID.
func (e *Endpoint) Connection(clientID string) (*Connection, bool) {
	return e.conns.ByClient(clientID)
}

// Stats reports the current admission state.
func (e *Endpoint) Stats() Stats {
	return Stats{
		Streams:               e.slots.Count(),
		MaxStreams:            e.slots.Limit(),
		CanAdmit:              e.slots.CanAdmit(),
		Connections:           e.conns.Len(),
		Sessions:              e.sessions.Len(),
		DispatcherQueued:      e.disp.Len(),
		DispatcherRunning:     e.disp.Running(),
		IdleDeadlines:         e.idle.Len(),
		DefaultSessionStreams: e.cfg.MaxStreamsPerSession,
	}
}

// Stop closes every open stream and stops the dispatcher. New streams are
// refused with ErrStopped. Stop is idempotent; ctx only scopes logging.
func (e *Endpoint) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.idle.Shutdown()

		open := e.conns.Snapshot()
		for _, c := range open {
			e.closeConnection(c, ReasonShutdown)
		}
		e.conns.Clear()
		e.disp.Stop()

		e.log.InfoContext(ctx, "endpoint.stop.ok", slog.Int("closed", len(open)))
	})
}

// closeConnection is the single exit path for an admitted connection. Only
// the first call for a given connection does anything; it reports whether
// this call was that one.
func (e *Endpoint) closeConnection(c *Connection, reason CloseReason) bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	c.reason.Store(reason)

	admission.Release(c.endpointSlots, c.sessionSlots)
	e.sessions.Put(c.sessionID)
	e.conns.Remove(c.ID())
	e.idle.Cancel(c.ID())
	e.disp.Remove(c)
	c.notifier.Close()
	c.Complete()

	attrs := []any{
		slog.String("stream_id", c.ID()),
		slog.String("client_id", c.ClientID()),
		slog.String("reason", string(reason)),
		slog.Int("endpoint_streams", c.endpointSlots.Count()),
		slog.Int("session_streams", c.sessionSlots.Count()),
	}
	if reason == ReasonIdle {
		e.log.Info("stream.close.idle", attrs...)
	} else {
		e.log.Debug("stream.close.ok", attrs...)
	}
	close(c.released)
	return true
}

// closeAndWait closes c, or waits for the close already under way on another
// goroutine to finish.
func (e *Endpoint) closeAndWait(c *Connection, reason CloseReason) bool {
	if e.closeConnection(c, reason) {
		return true
	}
	<-c.released
	return false
}

func (e *Endpoint) expire(id string) {
	if c, ok := e.conns.Get(id); ok {
		e.closeConnection(c, ReasonIdle)
	}
}

func (e *Endpoint) evict(dc dispatch.Conn, cause error) {
	c, ok := dc.(*Connection)
	if !ok {
		return
	}
	var we *dispatch.WriteError
	reason := ReasonError
	switch {
	case cause == nil:
		reason = ReasonCompleted
	case errors.Is(cause, dispatch.ErrClientGone):
		reason = ReasonClientGone
	case errors.Is(cause, dispatch.ErrStopped):
		reason = ReasonShutdown
	case errors.As(cause, &we):
		reason = ReasonWriteError
	}
	e.closeConnection(c, reason)
}
