// Package broadcast is the best-effort realtime channel: per-topic,
// at-most-once, never persisted. Every feature that publishes here also
// writes its authoritative value to the store.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
)

// Feature is a couple-scoped realtime feature.
type Feature string

const (
	FeatureTapWar   Feature = "tap-war"
	FeaturePoke     Feature = "poke"
	FeatureDrawing  Feature = "drawing"
	FeatureProfile  Feature = "profile"
	FeatureMood     Feature = "mood"
	FeaturePresence Feature = "presence"
)

// Event names carried on the topics.
const (
	EventTap           = "tap"
	EventGameStart     = "game-start"
	EventGameReset     = "game-reset"
	EventPoke          = "poke"
	EventStroke        = "stroke"
	EventClear         = "clear"
	EventMoodUpdate    = "mood-update"
	EventProfileUpdate = "profile-update"
	EventPresence      = "presence"
)

// Topic is a fully qualified channel name. Build it with TopicFor only.
type Topic string

// TopicFor returns the topic of a feature for one couple.
func TopicFor(feature Feature, coupleID string) Topic {
	return Topic(fmt.Sprintf("couple:%s:%s", coupleID, feature))
}

// Message is one published event.
type Message struct {
	Topic   Topic           `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler receives messages for one subscription, one at a time.
type Handler func(Message)

// Unsubscribe ends a subscription. Safe to call more than once.
type Unsubscribe func()

// Bus publishes and subscribes to topics.
type Bus interface {
	// Publish is fire-and-forget: no acknowledgment, no retry.
	Publish(ctx context.Context, topic Topic, event string, payload any) error
	// Subscribe calls handler for every future message on topic whose event
	// equals event (every event when event is empty) until ctx is done or
	// the returned Unsubscribe is called.
	Subscribe(ctx context.Context, topic Topic, event string, handler Handler) (Unsubscribe, error)
	// SubscribeTopics is Subscribe for every event on several topics
	// through one subscription. Message.Topic tells them apart.
	SubscribeTopics(ctx context.Context, topics []Topic, handler Handler) (Unsubscribe, error)
}

func newMessage(topic Topic, event string, payload any) (Message, error) {
	msg := Message{Topic: topic, Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		msg.Payload = data
	}
	return msg, nil
}

func wants(event string, msg Message) bool {
	return event == "" || event == msg.Event
}
