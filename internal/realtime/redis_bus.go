package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const roomChannel = "realtime:rooms"

// RedisBus fans room broadcasts out over one Redis pub/sub channel. Every
// process receives every broadcast and delivers it to its own connections.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger, done: make(chan struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, roomChannel, data).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Start subscribes and passes every received envelope to deliver until Close.
func (b *RedisBus) Start(ctx context.Context, deliver func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, roomChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", roomChannel, err)
	}
	b.pubsub = pubsub

	go func() {
		defer close(b.done)
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed envelope", zap.Error(err))
				continue
			}
			deliver(env)
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	<-b.done
	return err
}
