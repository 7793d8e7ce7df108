// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/streampush/auth"
)

// Tokens is an Authenticator that accepts a fixed set of tokens, each
// mapped to the client id it authenticates.
type Tokens map[string]string

// CheckAuthentication returns the client mapped to tok or auth.ErrUnauthorized.
func (t Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.ClientInfo, error) {
	id, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return clientInfo(id), nil
}

type clientInfo string

func (c clientInfo) ClientID() string { return string(c) }

func (c clientInfo) Claims(ref any) error {
	b, _ := json.Marshal(map[string]string{"sub": string(c)})
	return json.Unmarshal(b, ref)
}
