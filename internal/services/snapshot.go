package services

import (
	"context"
	"errors"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/models"
	"portal-backend/internal/repository"
)

// Snapshot is the authoritative state of one couple at FetchedAt
type Snapshot struct {
	Profiles  []models.Profile  `json:"profiles"`
	Moods     []models.Mood     `json:"moods"`
	Score     *models.GameScore `json:"score,omitempty"`
	Stars     []models.Star     `json:"stars"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// SnapshotService reads full couple state
type SnapshotService struct {
	profiles *repository.ProfileRepository
	moods    *repository.MoodRepository
	scores   *repository.ScoreRepository
	stars    *repository.StarRepository
}

// NewSnapshotService creates a new snapshot service
func NewSnapshotService(
	profiles *repository.ProfileRepository,
	moods *repository.MoodRepository,
	scores *repository.ScoreRepository,
	stars *repository.StarRepository,
) *SnapshotService {
	return &SnapshotService{
		profiles: profiles,
		moods:    moods,
		scores:   scores,
		stars:    stars,
	}
}

// Snapshot fetches profiles, moods, score and stars of the couple.
func (s *SnapshotService) Snapshot(ctx context.Context, coupleID string) (*Snapshot, error) {
	snap := &Snapshot{FetchedAt: repository.DefaultClock()}

	profiles, err := s.profiles.ListByCouple(ctx, coupleID)
	if err != nil {
		return nil, err
	}
	snap.Profiles = profiles

	ids := make([]string, len(profiles))
	for i, p := range profiles {
		ids[i] = p.ID
	}
	if len(ids) > 0 {
		if snap.Moods, err = s.moods.ListByUsers(ctx, ids...); err != nil {
			return nil, err
		}
	}

	score, err := s.scores.Get(ctx, coupleID)
	switch {
	case err == nil:
		snap.Score = score
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return nil, err
	}

	if snap.Stars, err = s.stars.ListByCouple(ctx, coupleID); err != nil {
		return nil, err
	}
	return snap, nil
}
