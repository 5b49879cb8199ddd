package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBus is a Bus over Redis PUBLISH/SUBSCRIBE, shared by all instances.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus creates a bus whose channels are prefixed with prefix.
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	return &RedisBus{client: client, prefix: prefix}
}

func (b *RedisBus) channel(topic Topic) string {
	return b.prefix + string(topic)
}

// Publish sends the message to Redis.
func (b *RedisBus) Publish(ctx context.Context, topic Topic, event string, payload any) error {
	msg, err := newMessage(topic, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Subscribe opens a Redis subscription and waits for its confirmation, so
// messages published after Subscribe returns are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topic Topic, event string, handler Handler) (Unsubscribe, error) {
	return b.subscribe(ctx, []Topic{topic}, event, handler)
}

// SubscribeTopics listens on every topic over a single Redis connection.
func (b *RedisBus) SubscribeTopics(ctx context.Context, topics []Topic, handler Handler) (Unsubscribe, error) {
	return b.subscribe(ctx, topics, "", handler)
}

func (b *RedisBus) subscribe(ctx context.Context, topics []Topic, event string, handler Handler) (Unsubscribe, error) {
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = b.channel(topic)
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	// one confirmation per channel; anything published before the last
	// one predates the subscription
	for confirmed := 0; confirmed < len(channels); {
		reply, err := pubsub.Receive(ctx)
		if err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
		if _, ok := reply.(*redis.Subscription); ok {
			confirmed++
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}

	ch := pubsub.Channel()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					log.Error().Err(err).Str("channel", raw.Channel).Msg("Failed to decode broadcast")
					continue
				}
				if wants(event, msg) {
					handler(msg)
				}
			}
		}
	}()

	return unsubscribe, nil
}
