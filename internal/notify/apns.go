// Package notify sends push notifications to offline partners.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// ErrTokenInvalid means the device token should be forgotten.
var ErrTokenInvalid = errors.New("device token is no longer valid")

// Pusher delivers a poke to a device.
type Pusher interface {
	Poke(ctx context.Context, deviceToken, fromName string) error
}

// Config holds APNs token auth settings
type Config struct {
	KeyPath    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

// NewClient builds a token-authenticated APNs client.
func NewClient(cfg Config) (*apns2.Client, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		return client.Production(), nil
	}
	return client.Development(), nil
}

// APNs sends pokes through Apple Push Notification service
type APNs struct {
	client *apns2.Client
	topic  string
}

// NewAPNs creates a pusher for the given bundle topic
func NewAPNs(client *apns2.Client, topic string) *APNs {
	return &APNs{client: client, topic: topic}
}

// Poke sends a "poked you" alert.
func (a *APNs) Poke(ctx context.Context, deviceToken, fromName string) error {
	if fromName == "" {
		fromName = "Your partner"
	}
	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       a.topic,
		PushType:    apns2.PushTypeAlert,
		Priority:    apns2.PriorityHigh,
		Payload: payload.NewPayload().
			AlertTitle("Portal").
			AlertBody(fromName+" poked you").
			Sound("default").
			Custom("type", "poke"),
	}

	res, err := a.client.PushWithContext(ctx, notification)
	if err != nil {
		return fmt.Errorf("failed to push notification: %w", err)
	}
	if res.Sent() {
		log.Debug().Str("apns_id", res.ApnsID).Msg("Poke pushed")
		return nil
	}

	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return fmt.Errorf("%w: %s", ErrTokenInvalid, res.Reason)
	}
	return fmt.Errorf("failed to push notification: %d %s", res.StatusCode, res.Reason)
}

// Noop drops every notification. Used when APNs is not configured.
type Noop struct{}

// Poke does nothing.
func (Noop) Poke(context.Context, string, string) error { return nil }
