package services

import (
	"context"
	"errors"
	"time"

	"portal-backend/internal/broadcast"
	"portal-backend/internal/notify"
	"portal-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// PokeEvent is a poke from one member to the other
type PokeEvent struct {
	From   string    `json:"from"`
	SentAt time.Time `json:"sent_at"`
}

// PokeResult reports how a poke was delivered
type PokeResult struct {
	Broadcast bool `json:"broadcast"`
	Pushed    bool `json:"pushed"`
}

// PokeService handles pokes
type PokeService struct {
	profiles *repository.ProfileRepository
	presence *Presence
	bus      broadcast.Bus
	pusher   notify.Pusher
}

// NewPokeService creates a new poke service
func NewPokeService(
	profiles *repository.ProfileRepository,
	presence *Presence,
	bus broadcast.Bus,
	pusher notify.Pusher,
) *PokeService {
	return &PokeService{
		profiles: profiles,
		presence: presence,
		bus:      bus,
		pusher:   pusher,
	}
}

// Poke broadcasts to the partner and, when the partner has no live
// session here, sends a push notification to their device. Store lookups
// run before the broadcast, so an error means nothing was sent and the
// poke can be retried.
func (s *PokeService) Poke(ctx context.Context, member *Member) (*PokeResult, error) {
	var pushTo, senderName string
	if !s.presence.IsOnline(member.PartnerID) {
		partner, err := s.profiles.GetByID(ctx, member.PartnerID)
		if err != nil {
			return nil, err
		}
		if partner.PushToken != nil && *partner.PushToken != "" {
			sender, err := s.profiles.GetByID(ctx, member.UserID)
			if err != nil {
				return nil, err
			}
			pushTo, senderName = *partner.PushToken, sender.FullName
		}
	}

	result := &PokeResult{}
	topic := broadcast.TopicFor(broadcast.FeaturePoke, member.CoupleID)
	event := PokeEvent{From: member.UserID, SentAt: time.Now().UTC()}
	if err := s.bus.Publish(ctx, topic, broadcast.EventPoke, event); err != nil {
		log.Warn().Err(err).Str("user_id", member.UserID).Msg("Failed to broadcast poke")
	} else {
		result.Broadcast = true
	}

	if pushTo == "" {
		return result, nil
	}
	err := s.pusher.Poke(ctx, pushTo, senderName)
	switch {
	case err == nil:
		result.Pushed = true
	case errors.Is(err, notify.ErrTokenInvalid):
		log.Info().Str("user_id", member.PartnerID).Msg("Dropping invalid push token")
		if err := s.profiles.UpdatePushToken(ctx, member.PartnerID, nil); err != nil {
			log.Error().Err(err).Str("user_id", member.PartnerID).Msg("Failed to clear push token")
		}
	default:
		log.Warn().Err(err).Str("user_id", member.PartnerID).Msg("Failed to push poke")
	}
	return result, nil
}
