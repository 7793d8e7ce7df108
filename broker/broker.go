// Package broker carries messages addressed to streaming clients between
// the nodes that accept them and the nodes holding the clients' streams.
//
// Every subscriber receives every published message; the receiving node
// delivers it when it holds a stream for the addressed client and drops it
// otherwise. Push is ephemeral: nothing is stored for clients that are not
// connected anywhere.
package broker

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Envelope is one message addressed to a client.
type Envelope struct {
	// ID is assigned at publish time and becomes the message id on the stream.
	ID            string          `json:"id"`
	ClientID      string          `json:"clientId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// MessageHandler is called for each envelope received by a subscription.
// Returning an error ends the subscription with that error.
type MessageHandler func(ctx context.Context, env Envelope) error

// Broker fans published messages out to every subscriber.
type Broker interface {
	// Publish sends env to all current subscribers. env.ID is generated
	// when empty.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe delivers published envelopes to handler in publish order
	// until ctx is done, the handler fails or the broker is closed. It
	// blocks for the life of the subscription and returns ctx.Err(), the
	// handler's error or ErrClosed.
	Subscribe(ctx context.Context, handler MessageHandler) error

	// Close ends every subscription and releases resources.
	Close() error
}
