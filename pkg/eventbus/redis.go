// Copyright 2024-2026 Aiku AI

package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker distributes payloads across relay instances over Redis
// pub/sub. Redis pub/sub is fire-and-forget per connection but the relay
// treats delivery as at-least-once: a reconnecting subscriber can see a
// replayed event from another instance's retry, so handlers stay
// idempotent either way.
type RedisBroker struct {
	log    zerolog.Logger
	client *redis.Client

	mu      sync.Mutex
	pubsubs []*redis.PubSub
}

// NewRedisBroker connects to Redis and verifies the connection with a ping.
func NewRedisBroker(ctx context.Context, addr, password string, db int, log zerolog.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisBroker{
		log:    log.With().Str("component", "eventbus").Logger(),
		client: client,
	}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts a goroutine draining the subscription. go-redis
// reconnects the pub/sub connection internally; the drain loop exits when
// the subscription is closed via the returned function or Close.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, pubsub)
	b.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
		b.log.Debug().Str("channel", channel).Msg("Subscription drained")
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			b.log.Warn().Err(err).Str("channel", channel).Msg("Failed to close subscription")
		}
	}, nil
}

// Close closes all live subscriptions and the underlying client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	pubsubs := b.pubsubs
	b.pubsubs = nil
	b.mu.Unlock()
	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	return b.client.Close()
}
