package services

import (
	"context"
	"sync"

	"portal-backend/internal/broadcast"

	"github.com/rs/zerolog/log"
)

// PresenceEvent tells the partner whether an account has a live session
type PresenceEvent struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// Presence tracks live sessions per account on this instance
type Presence struct {
	mu       sync.RWMutex
	sessions map[string]int
	bus      broadcast.Bus
}

// NewPresence creates a new presence registry
func NewPresence(bus broadcast.Bus) *Presence {
	return &Presence{
		sessions: make(map[string]int),
		bus:      bus,
	}
}

// Register records a session and announces the account when it is the
// first one.
func (p *Presence) Register(ctx context.Context, member *Member) {
	p.mu.Lock()
	p.sessions[member.UserID]++
	first := p.sessions[member.UserID] == 1
	p.mu.Unlock()

	log.Info().Str("user_id", member.UserID).Bool("first", first).Msg("Session registered")
	if first {
		p.announce(ctx, member, true)
	}
}

// Unregister removes a session and announces the account offline when it
// was the last one.
func (p *Presence) Unregister(ctx context.Context, member *Member) {
	p.mu.Lock()
	last := false
	if n, ok := p.sessions[member.UserID]; ok {
		if n <= 1 {
			delete(p.sessions, member.UserID)
			last = true
		} else {
			p.sessions[member.UserID] = n - 1
		}
	}
	p.mu.Unlock()

	log.Info().Str("user_id", member.UserID).Bool("last", last).Msg("Session unregistered")
	if last {
		p.announce(ctx, member, false)
	}
}

// IsOnline checks if a user has a live session
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[userID] > 0
}

func (p *Presence) announce(ctx context.Context, member *Member, online bool) {
	if member.CoupleID == "" {
		return
	}
	topic := broadcast.TopicFor(broadcast.FeaturePresence, member.CoupleID)
	event := PresenceEvent{UserID: member.UserID, Online: online}
	if err := p.bus.Publish(ctx, topic, broadcast.EventPresence, event); err != nil {
		log.Error().Err(err).Str("user_id", member.UserID).Msg("Failed to announce presence")
	}
}
