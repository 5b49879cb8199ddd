package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultChannel is the NOTIFY channel carrying changes.
	DefaultChannel = "portal_changes"
	// Postgres rejects NOTIFY payloads of 8000 bytes or more.
	maxNotifyPayload = 7900
	// a listener that stayed up this long resets the reconnect backoff
	healthyListen = 30 * time.Second
)

// PGBridge distributes changes between server instances through Postgres
// LISTEN/NOTIFY. Publish sends a notification; Run listens and feeds every
// received change into the local hub, including the instance's own.
type PGBridge struct {
	pool    *pgxpool.Pool
	hub     *Hub
	channel string
}

// NewPGBridge creates a bridge on the given pool and channel.
func NewPGBridge(pool *pgxpool.Pool, hub *Hub, channel string) *PGBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGBridge{pool: pool, hub: hub, channel: channel}
}

// Publish sends each change as a NOTIFY payload. Oversized rows are sent
// without the row snapshot; subscribers re-fetch the row by key. A change
// that cannot be sent disconnects every local subscriber, so none of them
// keeps a view that silently misses a committed write.
func (b *PGBridge) Publish(ctx context.Context, changes ...Change) error {
	for _, change := range changes {
		if err := b.notify(ctx, change); err != nil {
			b.hub.DisconnectAll(err)
			return err
		}
	}
	return nil
}

func (b *PGBridge) notify(ctx context.Context, change Change) error {
	payload, err := encodeNotify(change)
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, payload); err != nil {
		return fmt.Errorf("failed to notify change: %w", err)
	}
	return nil
}

// Run listens until ctx is done, reconnecting with exponential backoff.
// Every lost connection disconnects the hub's subscribers so they re-fetch.
func (b *PGBridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	for {
		started := time.Now()
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.hub.DisconnectAll(err)

		if time.Since(started) > healthyListen {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("Change feed listener lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *PGBridge) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info().Str("channel", b.channel).Msg("Change feed listener connected")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("failed to wait for notification: %w", err)
		}

		var change Change
		if err := json.Unmarshal([]byte(notification.Payload), &change); err != nil {
			log.Error().Err(err).Msg("Failed to decode change notification")
			continue
		}
		if err := b.hub.Publish(ctx, change); err != nil {
			log.Error().Err(err).Msg("Failed to publish change locally")
		}
	}
}

func encodeNotify(change Change) (string, error) {
	data, err := json.Marshal(change)
	if err != nil {
		return "", fmt.Errorf("failed to marshal change: %w", err)
	}
	if len(data) < maxNotifyPayload {
		return string(data), nil
	}
	change.Row = nil
	data, err = json.Marshal(change)
	if err != nil {
		return "", fmt.Errorf("failed to marshal change: %w", err)
	}
	if len(data) >= maxNotifyPayload {
		return "", errors.New("change key too large for notify payload")
	}
	return string(data), nil
}
