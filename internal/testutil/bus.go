package testutil

import (
	"context"
	"sync"

	"portal-backend/internal/broadcast"
)

// Published is one call to Bus.Publish.
type Published struct {
	Topic   broadcast.Topic
	Event   string
	Payload any
}

// RecordingBus records publishes and forwards them to the wrapped bus.
type RecordingBus struct {
	broadcast.Bus

	mu        sync.Mutex
	published []Published
}

// NewRecordingBus wraps a MemoryBus.
func NewRecordingBus() *RecordingBus {
	return &RecordingBus{Bus: broadcast.NewMemoryBus()}
}

// Publish records the message and forwards it.
func (b *RecordingBus) Publish(ctx context.Context, topic broadcast.Topic, event string, payload any) error {
	b.mu.Lock()
	b.published = append(b.published, Published{Topic: topic, Event: event, Payload: payload})
	b.mu.Unlock()
	return b.Bus.Publish(ctx, topic, event, payload)
}

// Events returns the recorded publishes with the given event name.
func (b *RecordingBus) Events(event string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Published
	for _, p := range b.published {
		if p.Event == event {
			out = append(out, p)
		}
	}
	return out
}
