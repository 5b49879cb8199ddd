package broadcast

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 64

type memorySubscriber struct {
	event string
	ch    chan Message
	once  sync.Once
}

func (s *memorySubscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// MemoryBus is an in-process Bus for single-instance deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[Topic]map[uint64]*memorySubscriber
	next   uint64
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[Topic]map[uint64]*memorySubscriber)}
}

// Publish delivers msg to current subscribers. A subscriber whose buffer is
// full misses the message.
func (b *MemoryBus) Publish(_ context.Context, topic Topic, event string, payload any) error {
	msg, err := newMessage(topic, event, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.topics[topic] {
		if !wants(sub.event, msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			log.Debug().Str("topic", string(topic)).Uint64("subscriber", id).Msg("Dropping broadcast for slow subscriber")
		}
	}
	return nil
}

// Subscribe registers handler on topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic Topic, event string, handler Handler) (Unsubscribe, error) {
	return b.subscribe(ctx, []Topic{topic}, event, handler), nil
}

// SubscribeTopics registers one subscriber on every topic.
func (b *MemoryBus) SubscribeTopics(ctx context.Context, topics []Topic, handler Handler) (Unsubscribe, error) {
	return b.subscribe(ctx, topics, "", handler), nil
}

func (b *MemoryBus) subscribe(ctx context.Context, topics []Topic, event string, handler Handler) Unsubscribe {
	sub := &memorySubscriber{event: event, ch: make(chan Message, subscriberBuffer)}

	b.mu.Lock()
	b.next++
	id := b.next
	for _, topic := range topics {
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[uint64]*memorySubscriber)
		}
		b.topics[topic][id] = sub
	}
	b.mu.Unlock()

	unsubscribe := func() { b.remove(topics, id) }

	go func() {
		for {
			select {
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(msg)
			case <-ctx.Done():
				unsubscribe()
				return
			}
		}
	}()

	return unsubscribe
}

// Subscribers returns the number of subscriptions on topic.
func (b *MemoryBus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *MemoryBus) remove(topics []Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range topics {
		subs := b.topics[topic]
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			sub.close()
		}
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}
