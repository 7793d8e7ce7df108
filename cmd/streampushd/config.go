package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/streampush/auth"
	"github.com/ggoodman/streampush/broker"
	"github.com/ggoodman/streampush/broker/memory"
	"github.com/ggoodman/streampush/broker/redis"
	"github.com/joeshaw/envdecode"
)

// daemonConfig holds the process-level settings. Stream admission settings
// live in endpoint.Config.
type daemonConfig struct {
	// ListenAddr is the HTTP listen address. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// PublicURL is the externally visible stream URL; its path is the mount
	// point. ENV: STREAM_PUBLIC_URL
	PublicURL string `env:"STREAM_PUBLIC_URL,default=http://localhost:8080/stream"`
	// Broker selects how published messages reach streams: "memory" for a
	// single node, "redis" to fan out across nodes. ENV: STREAM_BROKER
	Broker string `env:"STREAM_BROKER,default=memory"`
	// UserAgents is an optional JSON file of user agent settings, reloaded
	// on change. ENV: STREAM_USER_AGENTS_FILE
	UserAgents string `env:"STREAM_USER_AGENTS_FILE"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// MaxConnsPerIP caps concurrent TCP connections from one client IP;
	// excess connections get a 429. Zero disables the cap. ENV: MAX_CONNS_PER_IP
	MaxConnsPerIP int `env:"MAX_CONNS_PER_IP,default=0"`
	// ShutdownTimeout bounds graceful shutdown. ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	// WriteTimeout bounds each write to a stream; a peer that stops reading
	// is dropped once it elapses. ENV: STREAM_WRITE_TIMEOUT
	WriteTimeout time.Duration `env:"STREAM_WRITE_TIMEOUT,default=10s"`

	// AuthSecret enables HS256 bearer tokens. ENV: AUTH_HMAC_SECRET
	AuthSecret string `env:"AUTH_HMAC_SECRET"`
	// AuthIssuer is the expected token issuer. With no secret it is used for
	// OIDC discovery. ENV: AUTH_ISSUER
	AuthIssuer string `env:"AUTH_ISSUER"`
	// AuthAudience is the expected token audience. ENV: AUTH_AUDIENCE
	AuthAudience string `env:"AUTH_AUDIENCE"`
	// AuthJWKSURL skips discovery and reads keys from this URL. ENV: AUTH_JWKS_URL
	AuthJWKSURL string `env:"AUTH_JWKS_URL"`
	// AuthClientIDClaim names the claim carrying the client id. ENV: AUTH_CLIENT_ID_CLAIM
	AuthClientIDClaim string `env:"AUTH_CLIENT_ID_CLAIM,default=sub"`
}

func loadDaemonConfig() (daemonConfig, error) {
	var cfg daemonConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return daemonConfig{}, fmt.Errorf("daemon config: %w", err)
	}
	return cfg, nil
}

func (c daemonConfig) level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// authenticator returns nil when no token validation is configured; clients
// then name themselves with the Stream-Client-Id header.
func (c daemonConfig) authenticator(ctx context.Context) (auth.Authenticator, error) {
	opts := []auth.TokenAuthOption{auth.WithClientIDClaim(c.AuthClientIDClaim)}
	switch {
	case c.AuthSecret != "":
		if c.AuthAudience != "" {
			opts = append(opts, auth.WithAudiences(c.AuthAudience))
		}
		return auth.NewStaticKey([]byte(c.AuthSecret), c.AuthIssuer, opts...)
	case c.AuthIssuer == "":
		return nil, nil
	case c.AuthJWKSURL != "":
		return auth.NewFromJWKS(ctx, c.AuthIssuer, c.AuthAudience, c.AuthJWKSURL, opts...)
	default:
		return auth.NewFromDiscovery(ctx, c.AuthIssuer, c.AuthAudience, opts...)
	}
}

func (c daemonConfig) broker(ctx context.Context) (broker.Broker, error) {
	switch strings.ToLower(c.Broker) {
	case "", "memory":
		return memory.New(), nil
	case "redis":
		return redis.NewFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown broker %q", c.Broker)
	}
}
