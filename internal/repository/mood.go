package repository

import (
	"context"
	"errors"

	"portal-backend/internal/feed"
	"portal-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MoodRepository handles database operations for moods
type MoodRepository struct {
	db    *gorm.DB
	feed  feed.Publisher
	clock Clock
}

// NewMoodRepository creates a new mood repository
func NewMoodRepository(db *gorm.DB, publisher feed.Publisher) *MoodRepository {
	return &MoodRepository{db: db, feed: publisher, clock: DefaultClock}
}

// Upsert stores the user's mood, overwriting the previous one.
//
// Behavior:
//   - One row per user_id; repeated calls update that row.
//   - updated_at strictly increases across writes for the same user, even
//     when the same mood is selected twice within one clock tick.
func (r *MoodRepository) Upsert(ctx context.Context, userID string, coupleID *string, mood models.MoodType) (*models.Mood, error) {
	var (
		stored models.Mood
		op     = feed.OpInsert
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev models.Mood
		err := tx.First(&prev, "user_id = ?", userID).Error
		switch {
		case err == nil:
			op = feed.OpUpdate
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		stored = models.Mood{
			UserID:    userID,
			CoupleID:  coupleID,
			Mood:      mood,
			UpdatedAt: nextTimestamp(r.clock, prev.UpdatedAt),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"mood", "couple_id", "updated_at"}),
		}).Create(&stored).Error
	})
	if err != nil {
		return nil, storeErr("failed to upsert mood", err)
	}

	publish(ctx, r.feed, moodChange(op, &stored))
	return &stored, nil
}

// Get returns the mood of a user
func (r *MoodRepository) Get(ctx context.Context, userID string) (*models.Mood, error) {
	var mood models.Mood
	if err := r.db.WithContext(ctx).First(&mood, "user_id = ?", userID).Error; err != nil {
		return nil, storeErr("mood not found", err)
	}
	return &mood, nil
}

// ListByUsers returns the moods of the given users.
func (r *MoodRepository) ListByUsers(ctx context.Context, userIDs ...string) ([]models.Mood, error) {
	var moods []models.Mood
	err := r.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Order("user_id ASC").
		Find(&moods).Error
	if err != nil {
		return nil, storeErr("failed to list moods", err)
	}
	return moods, nil
}

func moodChange(op feed.Op, mood *models.Mood) feed.Change {
	return feed.Change{
		Table:      feed.TableMoods,
		Op:         op,
		Key:        mood.UserID,
		CoupleID:   coupleOf(mood.CoupleID),
		Row:        models.Row(mood),
		CommitTime: mood.UpdatedAt,
	}
}
