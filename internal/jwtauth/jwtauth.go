package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf or subject) and the stream must not open.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config controls how bearer tokens presented by streaming clients are
// validated.
type Config struct {
	Issuer string
	// Audiences lists the accepted "aud" values. A token must carry at least
	// one of them. Empty disables the audience check.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
	// ClientIDClaim names the claim carrying the client id. Defaults to "sub".
	ClientIDClaim string
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:   []string{"RS256"},
		Leeway:        60 * time.Second,
		ClientIDClaim: "sub",
	}
}

// Identity is the validated principal behind a token.
type Identity struct {
	ClientID string
	claims   jwt.MapClaims
}

// Claims unmarshals the raw token claims into ref.
func (i *Identity) Claims(ref any) error {
	b, err := json.Marshal(i.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier validates tokens against a Config and a key source.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to find the
// issuer's jwks_uri and returns a Verifier whose keys auto-refresh.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil || cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewFromJWKS(ctx, cfg, meta.JwksURI)
}

// NewFromJWKS returns a Verifier backed by the key set at jwksURI.
func NewFromJWKS(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if cfg == nil || cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newVerifier(cfg, kf.Keyfunc), nil
}

// NewStatic returns a Verifier for tokens signed with a shared HMAC secret.
// AllowedAlgs defaults to HS256.
func NewStatic(cfg *Config, secret []byte) (*Verifier, error) {
	if cfg == nil || cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 || slices.Equal(c.AllowedAlgs, DefaultConfig().AllowedAlgs) {
		c.AllowedAlgs = []string{"HS256"}
	}
	return newVerifier(&c, func(*jwt.Token) (any, error) { return secret, nil }), nil
}

func newVerifier(cfg *Config, kf jwt.Keyfunc) *Verifier {
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.ClientIDClaim == "" {
		c.ClientIDClaim = "sub"
	}
	return &Verifier{cfg: c, keyfunc: func(t *jwt.Token) (any, error) {
		if !slices.Contains(c.AllowedAlgs, t.Method.Alg()) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return kf(t)
	}}
}

// Verify validates tok and returns the identity it carries.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Identity, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.cfg.RequireAccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	clientID, _ := claims[v.cfg.ClientIDClaim].(string)
	if clientID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrUnauthorized, v.cfg.ClientIDClaim)
	}
	return &Identity{ClientID: clientID, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
