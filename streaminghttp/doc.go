// Package streaminghttp exposes an endpoint.Endpoint over HTTP as
// long-lived newline-delimited JSON streams. It mounts as a standard
// net/http handler.
//
// Responsibilities
//   - Stream admission (per-endpoint and per-session limits via endpoint.Endpoint)
//   - Authentication (optional auth.Authenticator; the client id comes from the token)
//   - Message publishing, either directly to the local endpoint or through a broker.Broker
//   - Frame schema and admission statistics
//
// Construction
//
//	ep := endpoint.New(cfg, endpoint.WithLogger(log))
//	h, err := streaminghttp.New(
//	    "https://push.example/stream", // public endpoint; its path is the mount point
//	    ep,
//	    streaminghttp.WithAuthenticator(authenticator),
//	    streaminghttp.WithBroker(b),
//	)
//	go h.Relay(ctx) // only when a broker is configured
//
// # Wire format
//
// A GET on the stream path answers 200 with Content-Type application/x-ndjson
// and then writes, in order:
//
//   - optional kick-start padding (NUL bytes) for user agents that buffer
//     the start of a response;
//   - an acknowledgement frame {"type":"ack","correlationId":"open","body":"<stream id>"};
//   - message frames {"type":"message","id":...,"body":...}, one per line;
//   - a single NUL byte whenever the stream was quiet for a heartbeat interval.
//
// Clients skip NUL bytes between frames. The response ends when the server
// closes the stream (idle timeout, hold timeout, shutdown).
//
// # Status codes
//
//	400  admission limit reached, duplicate stream for the client, missing client id
//	401  missing or invalid bearer token
//	406  Accept does not allow application/x-ndjson
//	503  endpoint shutting down
//
// Publishing answers 202 with {"id":"<message id>"}; without a broker it
// answers 404 when the client has no stream on this node.
package streaminghttp
