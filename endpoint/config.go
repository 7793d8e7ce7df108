package endpoint

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// DefaultHoldTimeout bounds a stream's lifetime when no idle timeout is set.
const DefaultHoldTimeout = 3 * time.Minute

// Config holds the admission and timing settings of an Endpoint. Defaults
// can be loaded via envdecode.
type Config struct {
	// MaxStreamsPerEndpoint caps concurrent streams. ENV: STREAM_MAX_PER_ENDPOINT
	MaxStreamsPerEndpoint int `env:"STREAM_MAX_PER_ENDPOINT,default=1000"`
	// MaxStreamsPerSession is the default cap per client session. User agent
	// settings may override it. ENV: STREAM_MAX_PER_SESSION
	MaxStreamsPerSession int `env:"STREAM_MAX_PER_SESSION,default=1"`
	// IdleTimeout closes a stream that delivered nothing for this long. Zero
	// disables idle closure. ENV: STREAM_IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"STREAM_IDLE_TIMEOUT,default=0s"`
	// Heartbeat is the interval between keep-alive bytes on a quiet stream.
	// Zero disables heartbeats. ENV: STREAM_HEARTBEAT
	Heartbeat time.Duration `env:"STREAM_HEARTBEAT,default=15s"`
	// HoldTimeout ends a stream after this long regardless of activity.
	// Zero uses IdleTimeout, or DefaultHoldTimeout when that is zero too.
	// ENV: STREAM_HOLD_TIMEOUT
	HoldTimeout time.Duration `env:"STREAM_HOLD_TIMEOUT,default=0s"`
}

// ConfigFromEnv builds a Config using envdecode; defaults come from the
// struct tags.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) holdTimeout() time.Duration {
	switch {
	case c.HoldTimeout > 0:
		return c.HoldTimeout
	case c.IdleTimeout > 0:
		return c.IdleTimeout
	default:
		return DefaultHoldTimeout
	}
}
