// Package auth provides the bearer token authentication used by the
// streaming HTTP transport to establish which client is opening a stream.
//
// An Authenticator validates an incoming bearer token string and returns a
// ClientInfo (or an error). The transport extracts the token from the
// Authorization header and maps ErrUnauthorized to a 401 challenge. The
// client id carried by the token is the id the stream is registered under,
// so a client cannot open or read another client's stream.
//
// # Constructors
//
// NewFromDiscovery validates JWTs issued by an OpenID Connect provider,
// using discovery to locate the issuer's JWKS. NewFromJWKS skips discovery
// and takes the JWKS URL directly. NewStaticKey validates HS256 tokens
// signed with a shared secret, which suits deployments where the
// application backend mints stream tokens itself.
//
// Example:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://push.example/stream")
//	if err != nil { log.Fatal(err) }
//
//	ci, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
//	clientID := ci.ClientID()
//
// Algorithms & Clock Skew
//
// Asymmetric constructors accept RS256 by default; NewStaticKey accepts
// HS256. Use WithAllowedAlgs to change the set and WithLeeway to tolerate
// clock skew on exp/nbf.
package auth
