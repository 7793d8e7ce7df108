package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/streampush/admission"
	"github.com/ggoodman/streampush/auth"
	"github.com/ggoodman/streampush/broker"
	"github.com/ggoodman/streampush/endpoint"
	"github.com/ggoodman/streampush/internal/logctx"
	"github.com/ggoodman/streampush/notifier"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

// ErrStreamFinished is returned by writes attempted after the handler
// holding the stream has returned.
var ErrStreamFinished = errors.New("stream finished")

var (
	jsonMediaType    = contenttype.NewMediaType("application/json")
	ndjsonMediaType  = contenttype.NewMediaType("application/x-ndjson")
	ndjsonMediaTypes = []contenttype.MediaType{ndjsonMediaType}
)

const (
	clientIDHeader        = "Stream-Client-Id"
	sessionIDHeader       = "Stream-Session-Id"
	correlationIDHeader   = "Stream-Correlation-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	// maxPublishBody bounds the size of a published message body.
	maxPublishBody = 1 << 20

	// DefaultWriteTimeout bounds each write to a stream when no
	// WithWriteTimeout option is given.
	DefaultWriteTimeout = 10 * time.Second
)

// heartbeat is the single byte written when a stream has been quiet for a
// heartbeat interval. Clients skip NUL bytes between frames.
var heartbeat = []byte{0}

// Frame is one newline-delimited JSON object on a stream.
type Frame struct {
	Type          string          `json:"type" jsonschema:"enum=ack,enum=message"`
	ID            string          `json:"id,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
}

func ackFrame(streamID string) Frame {
	body, _ := json.Marshal(streamID)
	return Frame{Type: "ack", CorrelationID: "open", Body: body}
}

func messageFrame(m notifier.Message) Frame {
	ts := m.Timestamp
	return Frame{Type: "message", ID: m.ID, CorrelationID: m.CorrelationID, Body: m.Body, Timestamp: &ts}
}

// writeJSONError emits a minimal JSON body for rejections on the non-stream
// routes. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	auth         auth.Authenticator
	broker       broker.Broker
	realm        string
	writeTimeout time.Duration
}

// WithLogger sets the slog logger used by the handler. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator requires a bearer token on every route except the
// schema. The authenticated client id names the stream; the
// Stream-Client-Id header is ignored.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// WithBroker routes published messages through b instead of pushing them to
// the local endpoint. Run Relay to deliver what b carries.
func WithBroker(b broker.Broker) Option {
	return func(c *newConfig) { c.broker = b }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithWriteTimeout bounds every write to a stream. A peer that stops reading
// fails the write once d elapses and its stream is closed, so it cannot hold
// up delivery to other streams. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.writeTimeout = d }
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// StreamingHTTPHandler serves long-lived newline-delimited JSON streams
// backed by an endpoint.Endpoint, plus the routes used to publish to them.
type StreamingHTTPHandler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	ep           *endpoint.Endpoint
	auth         auth.Authenticator
	broker       broker.Broker
	realm        string
	writeTimeout time.Duration
	schema       []byte
}

// New returns a handler serving the stream at the path of publicEndpoint.
//
// Routes, relative to that path:
//
//	GET  {path}                             open a stream
//	POST {path}/clients/{clientID}/messages publish a JSON body to a client
//	GET  {path}/schema                      JSON Schema of a stream frame
//	GET  {path}/stats                       admission statistics
func New(publicEndpoint string, ep *endpoint.Endpoint, opts ...Option) (*StreamingHTTPHandler, error) {
	if ep == nil {
		return nil, fmt.Errorf("endpoint is required")
	}
	streamURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if streamURL.Scheme != "https" && streamURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", streamURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), writeTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(cfg)
	}

	schema, err := json.Marshal(new(jsonschema.Reflector).Reflect(&Frame{}))
	if err != nil {
		return nil, fmt.Errorf("frame schema: %w", err)
	}

	h := &StreamingHTTPHandler{
		log:    slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		ep:     ep,
		auth:   cfg.auth,
		broker: cfg.broker,
		realm:        cfg.realm,
		writeTimeout: cfg.writeTimeout,
		schema:       schema,
	}

	base := strings.TrimSuffix(streamURL.Path, "/")
	streamPattern := base
	if base == "" {
		streamPattern = "/{$}"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+streamPattern, h.handleOpen)
	mux.HandleFunc("POST "+base+"/clients/{clientID}/messages", h.handlePublish)
	mux.HandleFunc("GET "+base+"/schema", h.handleSchema)
	mux.HandleFunc("GET "+base+"/stats", h.handleStats)
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Relay subscribes to the configured broker and pushes every envelope to the
// local endpoint. Envelopes for clients without a stream here are dropped.
// It blocks until ctx is done or the subscription fails.
func (h *StreamingHTTPHandler) Relay(ctx context.Context) error {
	if h.broker == nil {
		return fmt.Errorf("no broker configured")
	}
	return h.broker.Subscribe(ctx, func(ctx context.Context, env broker.Envelope) error {
		err := h.ep.Push(ctx, env.ClientID, notifier.Message{ID: env.ID, CorrelationID: env.CorrelationID, Body: env.Data})
		switch {
		case err == nil:
			h.log.DebugContext(ctx, "relay.deliver.ok", slog.String("client_id", env.ClientID), slog.String("msg_id", env.ID))
		case errors.Is(err, endpoint.ErrNoStream):
			h.log.DebugContext(ctx, "relay.deliver.miss", slog.String("client_id", env.ClientID), slog.String("msg_id", env.ID))
		default:
			return err
		}
		return nil
	})
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and refuses writes once ctx is
// canceled or the owning handler has finished. With a timeout set, each
// writeFlush runs under a write deadline.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu       sync.Mutex
	ctx      context.Context
	finished bool

	rc      *http.ResponseController
	timeout time.Duration
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usableLocked(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.usableLocked() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeFlush writes every chunk and flushes while holding the lock, so a
// frame is never interleaved with another writer's bytes.
func (l *lockedWriteFlusher) writeFlush(chunks ...[]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usableLocked(); err != nil {
		return err
	}
	if l.timeout > 0 {
		if err := l.rc.SetWriteDeadline(time.Now().Add(l.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		defer func() { _ = l.rc.SetWriteDeadline(time.Time{}) }()
	}
	for _, c := range chunks {
		if _, err := l.Writer.Write(c); err != nil {
			return err
		}
	}
	return l.rc.Flush()
}

// finish marks the underlying ResponseWriter as no longer usable. It waits
// for any write in progress.
func (l *lockedWriteFlusher) finish() {
	l.mu.Lock()
	l.finished = true
	l.mu.Unlock()
}

func (l *lockedWriteFlusher) usableLocked() error {
	if l.finished {
		return ErrStreamFinished
	}
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	return nil
}

// ndjsonStream adapts a held response to endpoint.Stream.
type ndjsonStream struct {
	wf *lockedWriteFlusher
}

func (s *ndjsonStream) WriteMessages(msgs []notifier.Message) error {
	chunks := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, err := encodeFrame(messageFrame(m))
		if err != nil {
			return err
		}
		chunks = append(chunks, b)
	}
	return s.wf.writeFlush(chunks...)
}

func (s *ndjsonStream) WriteHeartbeat() error {
	return s.wf.writeFlush(heartbeat)
}

func encodeFrame(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return append(b, '\n'), nil
}

// handleOpen admits a stream and holds the request open until the endpoint
// closes it or the client goes away.
func (h *StreamingHTTPHandler) handleOpen(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, ndjsonMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "http.open.not_acceptable")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "stream.flusher.missing")
		return
	}

	clientID, ok := h.resolveClient(ctx, r, w)
	if !ok {
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx, rc: http.NewResponseController(w), timeout: h.writeTimeout}
	defer wf.finish()

	conn, err := h.ep.Open(ctx, endpoint.OpenRequest{
		ClientID:  clientID,
		SessionID: r.Header.Get(sessionIDHeader),
		UserAgent: r.UserAgent(),
		Stream:    &ndjsonStream{wf: wf},
	})
	if err != nil {
		switch {
		case errors.Is(err, admission.ErrLimitReached), errors.Is(err, endpoint.ErrDuplicateConnection):
			w.WriteHeader(http.StatusBadRequest)
		case errors.Is(err, endpoint.ErrStopped):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "stream.open.fail", slog.String("err", err.Error()))
		}
		return
	}

	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{
		StreamID:  conn.ID(),
		ClientID:  conn.ClientID(),
		SessionID: conn.SessionID(),
	})

	w.Header().Set("Content-Type", ndjsonMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writePreamble(wf, conn); err != nil {
		conn.Close()
		h.log.WarnContext(ctx, "stream.preamble.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "stream.start")

	if err := h.ep.Serve(ctx, conn); err != nil {
		h.log.WarnContext(ctx, "stream.serve.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "stream.end",
		slog.String("reason", string(conn.Reason())),
		slog.Duration("dur", time.Since(start)),
	)
}

// writePreamble writes the kick-start padding, if any, then the ack. The
// padding is flushed as a chunk of its own since its size already accounts
// for the chunk framing.
func writePreamble(wf *lockedWriteFlusher, conn *endpoint.Connection) error {
	if ks := conn.Kickstart(); len(ks) > 0 {
		if err := wf.writeFlush(ks); err != nil {
			return err
		}
	}
	ack, err := encodeFrame(ackFrame(conn.ID()))
	if err != nil {
		return err
	}
	return wf.writeFlush(ack)
}

// handlePublish accepts a JSON body addressed to one client.
func (h *StreamingHTTPHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.auth != nil {
		if _, ok := h.checkAuthentication(ctx, r, w); !ok {
			return
		}
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}

	clientID := r.PathValue("clientID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxPublishBody {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if !json.Valid(body) {
		writeJSONError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	msgID := uuid.NewString()
	corrID := r.Header.Get(correlationIDHeader)

	if h.broker != nil {
		env := broker.Envelope{ID: msgID, ClientID: clientID, CorrelationID: corrID, Data: body}
		if err := h.broker.Publish(ctx, env); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "publish failed")
			h.log.ErrorContext(ctx, "publish.broker.fail", slog.String("client_id", clientID), slog.String("err", err.Error()))
			return
		}
	} else {
		err := h.ep.Push(ctx, clientID, notifier.Message{ID: msgID, CorrelationID: corrID, Body: body})
		switch {
		case errors.Is(err, endpoint.ErrNoStream):
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, endpoint.ErrStopped):
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		case err != nil:
			writeJSONError(w, http.StatusInternalServerError, "publish failed")
			h.log.ErrorContext(ctx, "publish.push.fail", slog.String("client_id", clientID), slog.String("err", err.Error()))
			return
		}
	}

	h.log.DebugContext(ctx, "publish.ok", slog.String("client_id", clientID), slog.String("msg_id", msgID))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": msgID})
}

func (h *StreamingHTTPHandler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.schema)
}

func (h *StreamingHTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		if _, ok := h.checkAuthentication(r.Context(), r, w); !ok {
			return
		}
	}
	writeJSON(w, http.StatusOK, h.ep.Stats())
}

// resolveClient returns the client id for an open request: the
// authenticated client when an authenticator is configured, otherwise the
// Stream-Client-Id header. It writes the rejection itself.
func (h *StreamingHTTPHandler) resolveClient(ctx context.Context, r *http.Request, w http.ResponseWriter) (string, bool) {
	if h.auth != nil {
		info, ok := h.checkAuthentication(ctx, r, w)
		if !ok {
			return "", false
		}
		return info.ClientID(), true
	}
	clientID := strings.TrimSpace(r.Header.Get(clientIDHeader))
	if clientID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "stream.client.missing")
		return "", false
	}
	return clientID, true
}

func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (auth.ClientInfo, bool) {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request carries no credentials.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || strings.TrimSpace(authHeader[len(bearerPrefix):]) == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	info, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil, false
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	return info, true
}
