package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/streampush/auth"
	"github.com/ggoodman/streampush/auth/authtest"
	"github.com/ggoodman/streampush/broker/memory"
	"github.com/ggoodman/streampush/endpoint"
	"github.com/ggoodman/streampush/notifier"
	"github.com/ggoodman/streampush/streaminghttp"
	"github.com/ggoodman/streampush/useragent"
)

func TestOpenStream(t *testing.T) {
	t.Run("Headers and acknowledgement", func(t *testing.T) {
		srv, ep, _ := mustServer(t)

		st := mustOpen(t, srv, openOpts{clientID: "client-1"})
		defer st.close()

		for k, want := range map[string]string{
			"Content-Type":      "application/x-ndjson",
			"Cache-Control":     "no-cache",
			"Connection":        "close",
			"X-Accel-Buffering": "no",
		} {
			if got := st.resp.Header.Get(k); got != want {
				t.Fatalf("header %s: want %q got %q", k, want, got)
			}
		}

		ack := st.readFrame(t)
		if ack.Type != "ack" || ack.CorrelationID != "open" {
			t.Fatalf("unexpected ack frame: %+v", ack)
		}
		var streamID string
		mustUnmarshalJSON(t, ack.Body, &streamID)
		conn, ok := ep.Connection("client-1")
		if !ok {
			t.Fatalf("connection not registered")
		}
		if streamID != conn.ID() {
			t.Fatalf("ack body: want %q got %q", conn.ID(), streamID)
		}
	})

	t.Run("Messages are delivered in order", func(t *testing.T) {
		srv, _, _ := mustServer(t)

		st := mustOpen(t, srv, openOpts{clientID: "client-1"})
		defer st.close()
		st.readFrame(t) // ack

		var ids []string
		for i := 0; i < 3; i++ {
			resp, body := doPublish(t, srv, "", "client-1", "corr", `{"n":`+string(rune('0'+i))+`}`)
			if resp.StatusCode != http.StatusAccepted {
				t.Fatalf("publish: want 202 got %d (%s)", resp.StatusCode, body)
			}
			var out struct{ ID string }
			mustUnmarshalJSON(t, body, &out)
			ids = append(ids, out.ID)
		}

		for i := 0; i < 3; i++ {
			f := st.readFrame(t)
			if f.Type != "message" || f.ID != ids[i] || f.CorrelationID != "corr" {
				t.Fatalf("frame %d: unexpected %+v", i, f)
			}
			var body struct{ N int }
			mustUnmarshalJSON(t, f.Body, &body)
			if body.N != i {
				t.Fatalf("frame %d carried n=%d", i, body.N)
			}
			if f.Timestamp == nil || f.Timestamp.IsZero() {
				t.Fatalf("frame %d missing timestamp", i)
			}
		}
	})

	t.Run("Heartbeat is a single NUL byte", func(t *testing.T) {
		srv, _, _ := mustServer(t, withConfig(func(c *endpoint.Config) { c.Heartbeat = 20 * time.Millisecond }))

		st := mustOpen(t, srv, openOpts{clientID: "client-1"})
		defer st.close()
		st.readFrame(t)

		b, err := st.r.ReadByte()
		if err != nil {
			t.Fatalf("read heartbeat: %v", err)
		}
		if b != 0 {
			t.Fatalf("want NUL heartbeat, got %q", b)
		}
	})

	t.Run("Kick-start padding precedes the ack", func(t *testing.T) {
		table := useragent.NewTable(useragent.Settings{MatchOn: "OldBrowser", KickstartBytes: 64})
		srv, _, _ := mustServer(t, withEndpointOptions(endpoint.WithUserAgents(table)))

		st := mustOpen(t, srv, openOpts{clientID: "client-1", userAgent: "Mozilla/5.0 OldBrowser/1.0"})
		defer st.close()

		pad := 0
		for {
			b, err := st.r.ReadByte()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if b != 0 {
				if err := st.r.UnreadByte(); err != nil {
					t.Fatalf("unread: %v", err)
				}
				break
			}
			pad++
		}
		if pad != 58 {
			t.Fatalf("want 58 padding bytes, got %d", pad)
		}
		if f := st.readFrame(t); f.Type != "ack" {
			t.Fatalf("want ack after padding, got %+v", f)
		}
	})

	t.Run("Session id groups streams", func(t *testing.T) {
		srv, _, _ := mustServer(t)

		st := mustOpen(t, srv, openOpts{clientID: "client-1", sessionID: "sess"})
		defer st.close()
		st.readFrame(t)

		resp := doOpen(t, srv, openOpts{clientID: "client-2", sessionID: "sess"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("second stream in session: want 400 got %d", resp.StatusCode)
		}
	})
}

func TestOpenStream_Rejections(t *testing.T) {
	t.Run("Unacceptable media type", func(t *testing.T) {
		srv, _, _ := mustServer(t)
		resp := doOpen(t, srv, openOpts{clientID: "client-1", accept: "text/html"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotAcceptable {
			t.Fatalf("want 406 got %d", resp.StatusCode)
		}
	})

	t.Run("Missing client id", func(t *testing.T) {
		srv, _, _ := mustServer(t)
		resp := doOpen(t, srv, openOpts{})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("want 400 got %d", resp.StatusCode)
		}
	})

	t.Run("Endpoint limit", func(t *testing.T) {
		srv, ep, _ := mustServer(t, withConfig(func(c *endpoint.Config) { c.MaxStreamsPerEndpoint = 1 }))

		st := mustOpen(t, srv, openOpts{clientID: "client-1"})
		defer st.close()
		st.readFrame(t)

		resp := doOpen(t, srv, openOpts{clientID: "client-2"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("want 400 got %d", resp.StatusCode)
		}
		if body, _ := io.ReadAll(resp.Body); len(body) != 0 {
			t.Fatalf("want empty body, got %q", body)
		}
		if got := ep.Stats().Streams; got != 1 {
			t.Fatalf("want 1 stream, got %d", got)
		}
	})

	t.Run("Duplicate client", func(t *testing.T) {
		srv, ep, _ := mustServer(t, withConfig(func(c *endpoint.Config) { c.MaxStreamsPerSession = 5 }))

		st := mustOpen(t, srv, openOpts{clientID: "client-1"})
		defer st.close()
		st.readFrame(t)

		resp := doOpen(t, srv, openOpts{clientID: "client-1"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("want 400 got %d", resp.StatusCode)
		}
		if got := ep.Stats().Streams; got != 1 {
			t.Fatalf("duplicate must roll back: want 1 stream, got %d", got)
		}
	})

	t.Run("Stopped endpoint", func(t *testing.T) {
		srv, ep, _ := mustServer(t)
		ep.Stop(context.Background())

		resp := doOpen(t, srv, openOpts{clientID: "client-1"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("want 503 got %d", resp.StatusCode)
		}
	})
}

func TestOpenStream_ServerClose(t *testing.T) {
	srv, ep, _ := mustServer(t)

	st := mustOpen(t, srv, openOpts{clientID: "client-1"})
	defer st.close()
	st.readFrame(t)

	conn, ok := ep.Connection("client-1")
	if !ok {
		t.Fatalf("connection not registered")
	}
	conn.Close()

	// The handler returns, terminating the chunked body.
	if _, err := io.ReadAll(st.r); err != nil {
		t.Fatalf("want clean end of stream, got %v", err)
	}
	waitFor(t, func() bool { return ep.Stats().Streams == 0 })
}

func TestOpenStream_ClientDisconnectReleasesSlot(t *testing.T) {
	srv, ep, _ := mustServer(t, withConfig(func(c *endpoint.Config) { c.Heartbeat = 10 * time.Millisecond }))

	st := mustOpen(t, srv, openOpts{clientID: "client-1"})
	st.readFrame(t)
	st.close()

	waitFor(t, func() bool { return ep.Stats().Streams == 0 })

	st2 := mustOpen(t, srv, openOpts{clientID: "client-1"})
	defer st2.close()
	if f := st2.readFrame(t); f.Type != "ack" {
		t.Fatalf("reopen: want ack got %+v", f)
	}
}

func TestOpenStream_StalledReaderIsDropped(t *testing.T) {
	srv, ep, _ := mustServer(t, withHandlerOptions(streaminghttp.WithWriteTimeout(100*time.Millisecond)))

	healthy := mustOpen(t, srv, openOpts{clientID: "healthy"})
	defer healthy.close()
	healthy.readFrame(t)

	// The stalled client sends its request and never reads a byte.
	raw := rawOpen(t, srv, "stalled", "")
	defer raw.Close()
	waitFor(t, func() bool { _, ok := ep.Connection("stalled"); return ok })
	stalled, _ := ep.Connection("stalled")

	big := json.RawMessage(`"` + strings.Repeat("x", 256<<10) + `"`)
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := ep.Push(context.Background(), "stalled", notifier.Message{Body: big})
		if errors.Is(err, endpoint.ErrNoStream) {
			break
		}
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("stalled stream was never dropped")
		}
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case <-stalled.Released():
	case <-time.After(3 * time.Second):
		t.Fatalf("stalled stream not released")
	}
	// The failed write and the server cancelling the request race to close it.
	if r := stalled.Reason(); r != endpoint.ReasonWriteError && r != endpoint.ReasonClientGone {
		t.Fatalf("want write_error or client_gone, got %q", r)
	}

	resp, body := doPublish(t, srv, "", "healthy", "", `{"still":"here"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish: want 202 got %d (%s)", resp.StatusCode, body)
	}
	if f := healthy.readFrame(t); f.Type != "message" {
		t.Fatalf("healthy stream: want message got %+v", f)
	}
	if got := ep.Stats().Streams; got != 1 {
		t.Fatalf("want 1 stream left, got %d", got)
	}
}

func TestOpenStream_KickstartIsItsOwnChunk(t *testing.T) {
	table := useragent.NewTable(useragent.Settings{MatchOn: "OldBrowser", KickstartBytes: 64})
	srv, _, _ := mustServer(t, withEndpointOptions(endpoint.WithUserAgents(table)))

	raw := rawOpen(t, srv, "client-1", "Mozilla/5.0 OldBrowser/1.0")
	defer raw.Close()
	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(raw)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	// 58 bytes of padding plus its framing fill the 64 bytes exactly.
	size, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read chunk size: %v", err)
	}
	if size != "3a\r\n" {
		t.Fatalf("want a 0x3a byte padding chunk, got size line %q", size)
	}
	pad := make([]byte, 0x3a+2)
	if _, err := io.ReadFull(r, pad); err != nil {
		t.Fatalf("read padding: %v", err)
	}
	if !bytes.Equal(pad[:0x3a], make([]byte, 0x3a)) || string(pad[0x3a:]) != "\r\n" {
		t.Fatalf("padding chunk carried more than NUL bytes: %q", pad)
	}

	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read ack chunk size: %v", err)
	}
	ack, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !strings.HasPrefix(ack, `{"type":"ack"`) {
		t.Fatalf("want ack in the chunk after the padding, got %q", ack)
	}
}

func TestAuthentication(t *testing.T) {
	tokens := authtest.Tokens{"good-token": "client-from-token"}

	t.Run("Missing token", func(t *testing.T) {
		srv, _, _ := mustServer(t, withAuth(tokens), withRealm("push"))
		resp := doOpen(t, srv, openOpts{clientID: "ignored"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("want 401 got %d", resp.StatusCode)
		}
		if got, want := resp.Header.Get("WWW-Authenticate"), `Bearer realm="push"`; got != want {
			t.Fatalf("challenge: want %q got %q", want, got)
		}
	})

	t.Run("Invalid token", func(t *testing.T) {
		srv, _, _ := mustServer(t, withAuth(tokens))
		resp := doOpen(t, srv, openOpts{authHeader: "Bearer bad-token"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("want 401 got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
			t.Fatalf("challenge missing invalid_token: %q", got)
		}
	})

	t.Run("Malformed header", func(t *testing.T) {
		srv, _, _ := mustServer(t, withAuth(tokens))
		resp := doOpen(t, srv, openOpts{authHeader: "Basic Zm9vOmJhcg=="})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("want 400 got %d", resp.StatusCode)
		}
	})

	t.Run("Token names the client", func(t *testing.T) {
		srv, ep, _ := mustServer(t, withAuth(tokens))
		st := mustOpen(t, srv, openOpts{clientID: "spoofed", authHeader: "Bearer good-token"})
		defer st.close()
		st.readFrame(t)

		if _, ok := ep.Connection("client-from-token"); !ok {
			t.Fatalf("stream not registered under the token's client id")
		}
		if _, ok := ep.Connection("spoofed"); ok {
			t.Fatalf("header client id must be ignored when authenticating")
		}

		resp, _ := doPublish(t, srv, "", "client-from-token", "", `{}`)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("publish without token: want 401 got %d", resp.StatusCode)
		}
		resp, body := doPublish(t, srv, "Bearer good-token", "client-from-token", "", `{}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("publish with token: want 202 got %d (%s)", resp.StatusCode, body)
		}
	})

	t.Run("Authenticator failure", func(t *testing.T) {
		srv, _, _ := mustServer(t, withAuth(failingAuth{}))
		resp := doOpen(t, srv, openOpts{authHeader: "Bearer anything"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("want 500 got %d", resp.StatusCode)
		}
	})
}

func TestPublish(t *testing.T) {
	t.Run("No stream", func(t *testing.T) {
		srv, _, _ := mustServer(t)
		resp, _ := doPublish(t, srv, "", "nobody", "", `{"a":1}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("want 404 got %d", resp.StatusCode)
		}
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		srv, _, _ := mustServer(t)
		resp, _ := doPublish(t, srv, "", "client-1", "", `{"a":`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("want 400 got %d", resp.StatusCode)
		}
	})

	t.Run("Wrong content type", func(t *testing.T) {
		srv, _, _ := mustServer(t)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/stream/clients/client-1/messages", strings.NewReader("hi"))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "text/plain")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("want 415 got %d", resp.StatusCode)
		}
	})

	t.Run("Through the broker", func(t *testing.T) {
		b := memory.New()
		t.Cleanup(func() { _ = b.Close() })
		srv, _, h := mustServer(t, withBroker(b))

		ctx, cancel := context.WithCancel(context.Background())
		relayDone := make(chan error, 1)
		go func() { relayDone <- h.Relay(ctx) }()
		t.Cleanup(func() {
			cancel()
			if err := <-relayDone; !errors.Is(err, context.Canceled) {
				t.Errorf("relay: want context.Canceled, got %v", err)
			}
		})
		waitFor(t, func() bool { return b.Subscribers() == 1 })

		st := mustOpen(t, srv, openOpts{clientID: "client-1"})
		defer st.close()
		st.readFrame(t)

		// Without a local lookup the broker path always accepts.
		resp, _ := doPublish(t, srv, "", "nobody", "", `1`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("publish to absent client: want 202 got %d", resp.StatusCode)
		}

		resp, body := doPublish(t, srv, "", "client-1", "c-9", `{"via":"broker"}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("publish: want 202 got %d (%s)", resp.StatusCode, body)
		}
		var out struct{ ID string }
		mustUnmarshalJSON(t, body, &out)

		f := st.readFrame(t)
		if f.Type != "message" || f.ID != out.ID || f.CorrelationID != "c-9" {
			t.Fatalf("unexpected frame %+v", f)
		}
	})
}

func TestSchemaAndStats(t *testing.T) {
	srv, _, _ := mustServer(t)

	resp, err := http.Get(srv.URL + "/stream/schema")
	if err != nil {
		t.Fatalf("get schema: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("schema: want 200 got %d", resp.StatusCode)
	}
	if !json.Valid(body) || !bytes.Contains(body, []byte(`"correlationId"`)) {
		t.Fatalf("schema does not describe frames: %s", body)
	}

	st := mustOpen(t, srv, openOpts{clientID: "client-1"})
	defer st.close()
	st.readFrame(t)

	resp, err = http.Get(srv.URL + "/stream/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	var stats endpoint.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Streams != 1 || stats.Connections != 1 || stats.MaxStreams != 10 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestNew_Validation(t *testing.T) {
	ep := endpoint.New(endpoint.Config{MaxStreamsPerEndpoint: 1, MaxStreamsPerSession: 1})
	defer ep.Stop(context.Background())

	if _, err := streaminghttp.New("ftp://example.com/stream", ep); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := streaminghttp.New("http://example.com/stream", nil); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
}

// ============================================================================
// Test Server Utility
// ============================================================================

type serverOption func(*serverConfig)

type serverConfig struct {
	endpoint    endpoint.Config
	endpointOps []endpoint.Option
	handlerOps  []streaminghttp.Option
}

func withConfig(fn func(*endpoint.Config)) serverOption {
	return func(cfg *serverConfig) { fn(&cfg.endpoint) }
}

func withEndpointOptions(opts ...endpoint.Option) serverOption {
	return func(cfg *serverConfig) { cfg.endpointOps = append(cfg.endpointOps, opts...) }
}

func withAuth(a auth.Authenticator) serverOption {
	return func(cfg *serverConfig) { cfg.handlerOps = append(cfg.handlerOps, streaminghttp.WithAuthenticator(a)) }
}

func withRealm(realm string) serverOption {
	return func(cfg *serverConfig) { cfg.handlerOps = append(cfg.handlerOps, streaminghttp.WithRealm(realm)) }
}

func withBroker(b *memory.Broker) serverOption {
	return func(cfg *serverConfig) { cfg.handlerOps = append(cfg.handlerOps, streaminghttp.WithBroker(b)) }
}

func withHandlerOptions(opts ...streaminghttp.Option) serverOption {
	return func(cfg *serverConfig) { cfg.handlerOps = append(cfg.handlerOps, opts...) }
}

// mustServer starts a handler mounted at /stream. The endpoint is stopped
// before the server closes so that held streams end.
func mustServer(t *testing.T, options ...serverOption) (*httptest.Server, *endpoint.Endpoint, *streaminghttp.StreamingHTTPHandler) {
	t.Helper()
	cfg := &serverConfig{
		endpoint: endpoint.Config{
			MaxStreamsPerEndpoint: 10,
			MaxStreamsPerSession:  1,
			Heartbeat:             25 * time.Millisecond,
		},
	}
	for _, opt := range options {
		opt(cfg)
	}

	log := slog.New(testLogHandler(t))
	ep := endpoint.New(cfg.endpoint, append([]endpoint.Option{endpoint.WithLogger(log)}, cfg.endpointOps...)...)

	// Only the path of the public endpoint is used for routing.
	h, err := streaminghttp.New("http://127.0.0.1/stream", ep, append([]streaminghttp.Option{streaminghttp.WithLogger(log)}, cfg.handlerOps...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)

	t.Cleanup(srv.Close)
	t.Cleanup(func() { ep.Stop(context.Background()) })
	return srv, ep, h
}

type openOpts struct {
	clientID   string
	sessionID  string
	userAgent  string
	accept     string
	authHeader string
}

func doOpen(t *testing.T, srv *httptest.Server, o openOpts) *http.Response {
	t.Helper()
	return doOpenCtx(t, context.Background(), srv, o)
}

func doOpenCtx(t *testing.T, ctx context.Context, srv *httptest.Server, o openOpts) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	accept := o.accept
	if accept == "" {
		accept = "application/x-ndjson"
	}
	req.Header.Set("Accept", accept)
	if o.clientID != "" {
		req.Header.Set("Stream-Client-Id", o.clientID)
	}
	if o.sessionID != "" {
		req.Header.Set("Stream-Session-Id", o.sessionID)
	}
	if o.userAgent != "" {
		req.Header.Set("User-Agent", o.userAgent)
	}
	if o.authHeader != "" {
		req.Header.Set("Authorization", o.authHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return resp
}

// rawOpen sends a stream request over a bare TCP connection so the test
// controls exactly what is read from it.
func rawOpen(t *testing.T, srv *httptest.Server, clientID, userAgent string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	req := "GET /stream HTTP/1.1\r\n" +
		"Host: " + srv.Listener.Addr().String() + "\r\n" +
		"Accept: application/x-ndjson\r\n" +
		"Stream-Client-Id: " + clientID + "\r\n"
	if userAgent != "" {
		req += "User-Agent: " + userAgent + "\r\n"
	}
	if _, err := io.WriteString(conn, req+"\r\n"); err != nil {
		conn.Close()
		t.Fatalf("write request: %v", err)
	}
	return conn
}

type openStream struct {
	resp   *http.Response
	r      *bufio.Reader
	cancel context.CancelFunc
}

func mustOpen(t *testing.T, srv *httptest.Server, o openOpts) *openStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	resp := doOpenCtx(t, ctx, srv, o)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		t.Fatalf("open: want 200 got %d (%s)", resp.StatusCode, body)
	}
	return &openStream{resp: resp, r: bufio.NewReader(resp.Body), cancel: cancel}
}

func (s *openStream) close() {
	s.cancel()
	_ = s.resp.Body.Close()
}

// readFrame returns the next frame, skipping heartbeat and padding bytes.
func (s *openStream) readFrame(t *testing.T) streaminghttp.Frame {
	t.Helper()
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		line = bytes.TrimLeft(line, "\x00")
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var f streaminghttp.Frame
		mustUnmarshalJSON(t, line, &f)
		return f
	}
}

func doPublish(t *testing.T, srv *httptest.Server, authHeader, clientID, correlationID, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/stream/clients/"+clientID+"/messages", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set("Stream-Correlation-Id", correlationID)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read publish response: %v", err)
	}
	return resp, out
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type failingAuth struct{}

func (failingAuth) CheckAuthentication(ctx context.Context, tok string) (auth.ClientInfo, error) {
	return nil, errors.New("identity provider unreachable")
}

type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}
