package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ClientInfo represents an authenticated streaming client.
// Implementations should be lightweight and safe for concurrent use.
type ClientInfo interface {
	// ClientID returns the identifier the stream is registered under.
	ClientID() string
	// Claims unmarshalls the client's token claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated client info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (ClientInfo, error)
}
