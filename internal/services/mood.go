package services

import (
	"context"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/broadcast"
	"portal-backend/internal/models"
	"portal-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// MoodEvent is the optimistic mood-update broadcast
type MoodEvent struct {
	UserID    string          `json:"user_id"`
	Mood      models.MoodType `json:"mood"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MoodService handles mood selection
type MoodService struct {
	moods    *repository.MoodRepository
	profiles *repository.ProfileRepository
	bus      broadcast.Bus
}

// NewMoodService creates a new mood service
func NewMoodService(moods *repository.MoodRepository, profiles *repository.ProfileRepository, bus broadcast.Bus) *MoodService {
	return &MoodService{moods: moods, profiles: profiles, bus: bus}
}

// SetMood upserts the caller's mood and tells the partner right away.
// Unpaired accounts may set a mood; it is broadcast once they pair.
func (s *MoodService) SetMood(ctx context.Context, userID string, mood models.MoodType) (*models.Mood, error) {
	if !mood.Valid() {
		return nil, apperr.New(apperr.KindInvalidArgument, "unknown mood "+string(mood))
	}

	profile, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	stored, err := s.moods.Upsert(ctx, userID, profile.CoupleID, mood)
	if err != nil {
		return nil, err
	}

	if profile.Paired() {
		topic := broadcast.TopicFor(broadcast.FeatureMood, *profile.CoupleID)
		event := MoodEvent{UserID: userID, Mood: stored.Mood, UpdatedAt: stored.UpdatedAt}
		if err := s.bus.Publish(ctx, topic, broadcast.EventMoodUpdate, event); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to broadcast mood")
		}
	}
	return stored, nil
}

// ListMoods returns the moods of both members.
func (s *MoodService) ListMoods(ctx context.Context, member *Member) ([]models.Mood, error) {
	return s.moods.ListByUsers(ctx, member.UserID, member.PartnerID)
}
