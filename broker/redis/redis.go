// Package redis implements broker.Broker on Redis Pub/Sub so that a message
// published on any node reaches the node holding the client's stream.
//
// Delivery is at most once. Envelopes published while no node is subscribed
// are lost, matching the in-memory broker.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/streampush/broker"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis broker. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Channel is the Pub/Sub channel carrying envelopes. ENV: STREAM_BROKER_CHANNEL
	Channel string `env:"STREAM_BROKER_CHANNEL,default=streampush:messages"`
	// Client overrides Addr when set. The broker does not close a supplied
	// client.
	Client redis.UniversalClient
}

// Broker is a Redis Pub/Sub implementation of broker.Broker.
type Broker struct {
	client    redis.UniversalClient
	ownClient bool
	channel   string

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a broker and verifies the server is reachable.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	b := &Broker{
		client:  cfg.Client,
		channel: cfg.Channel,
		done:    make(chan struct{}),
	}
	if b.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		b.client = redis.NewClient(&redis.Options{Addr: addr})
		b.ownClient = true
	}
	if b.channel == "" {
		b.channel = "streampush:messages"
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		if b.ownClient {
			_ = b.client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return b, nil
}

// NewFromEnv builds a Broker using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Broker, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redis broker config: %w", err)
	}
	return New(ctx, cfg)
}

// Channel returns the Pub/Sub channel name.
func (b *Broker) Channel() string { return b.channel }

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, env broker.Envelope) error {
	select {
	case <-b.done:
		return broker.ErrClosed
	default:
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe implements broker.Broker.Subscribe. Payloads that do not decode
// as an envelope are skipped.
func (b *Broker) Subscribe(ctx context.Context, handler broker.MessageHandler) error {
	select {
	case <-b.done:
		return broker.ErrClosed
	default:
	}

	ps := b.client.Subscribe(ctx, b.channel)
	defer ps.Close()

	// Block until the server confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("subscribe to channel %s: %w", b.channel, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return broker.ErrClosed
		case msg, ok := <-ch:
			if !ok {
				return broker.ErrClosed
			}
			var env broker.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Close ends every subscription and releases the client if the broker
// created it.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.ownClient {
			err = b.client.Close()
		}
	})
	return err
}

var _ broker.Broker = (*Broker)(nil)
