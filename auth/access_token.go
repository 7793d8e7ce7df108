package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/streampush/internal/jwtauth"
)

// TokenAuthOption configures optional aspects of JWT validation.
type TokenAuthOption func(*jwtauth.Config)

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) TokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) TokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithClientIDClaim reads the client id from claim instead of "sub".
func WithClientIDClaim(claim string) TokenAuthOption {
	return func(c *jwtauth.Config) { c.ClientIDClaim = claim }
}

// WithAudiences adds accepted audiences beyond the primary one.
func WithAudiences(aud ...string) TokenAuthOption {
	return func(c *jwtauth.Config) { c.Audiences = append(c.Audiences, aud...) }
}

// WithAccessTokenType requires the RFC 9068 "at+jwt" typ header.
func WithAccessTokenType() TokenAuthOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = true }
}

// NewFromDiscovery returns an Authenticator for JWTs issued by issuer,
// locating the signing keys through OpenID Connect discovery.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...TokenAuthOption) (Authenticator, error) {
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewFromJWKS returns an Authenticator for JWTs issued by issuer and signed
// with keys from jwksURL.
func NewFromJWKS(ctx context.Context, issuer, audience, jwksURL string, opts ...TokenAuthOption) (Authenticator, error) {
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromJWKS(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewStaticKey returns an Authenticator for HS256 tokens signed with secret
// and carrying issuer in "iss". No audience is enforced unless WithAudiences
// is supplied.
func NewStaticKey(secret []byte, issuer string, opts ...TokenAuthOption) (Authenticator, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.AllowedAlgs = nil
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewStatic(cfg, secret)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

func buildConfig(issuer, audience string, opts []TokenAuthOption) (*jwtauth.Config, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	v *jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (ClientInfo, error) {
	id, err := ad.v.Verify(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			return nil, errors.Join(ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return clientInfo{id: id}, nil
}

type clientInfo struct{ id *jwtauth.Identity }

func (c clientInfo) ClientID() string     { return c.id.ClientID }
func (c clientInfo) Claims(ref any) error { return c.id.Claims(ref) }
