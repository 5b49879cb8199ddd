package repository

import (
	"context"
	"time"

	"portal-backend/internal/feed"
	"portal-backend/internal/models"

	"gorm.io/gorm"
)

// StarRepository handles database operations for stars
type StarRepository struct {
	db    *gorm.DB
	feed  feed.Publisher
	clock Clock
}

// NewStarRepository creates a new star repository
func NewStarRepository(db *gorm.DB, publisher feed.Publisher) *StarRepository {
	return &StarRepository{db: db, feed: publisher, clock: DefaultClock}
}

// Create plants a new star
func (r *StarRepository) Create(ctx context.Context, star *models.Star) error {
	star.CreatedAt = r.clock()
	if err := r.db.WithContext(ctx).Create(star).Error; err != nil {
		return storeErr("failed to create star", err)
	}

	publish(ctx, r.feed, starChange(feed.OpInsert, star, star.CreatedAt))
	return nil
}

// Delete removes a star of the given couple. Stars of other couples are
// reported as not found.
func (r *StarRepository) Delete(ctx context.Context, coupleID, starID string) (*models.Star, error) {
	var star models.Star
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&star, "id = ? AND couple_id = ?", starID, coupleID).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND couple_id = ?", starID, coupleID).Delete(&models.Star{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("star not found", err)
	}

	publish(ctx, r.feed, starChange(feed.OpDelete, &star, nextTimestamp(r.clock, star.CreatedAt)))
	return &star, nil
}

// Get retrieves a star of the given couple
func (r *StarRepository) Get(ctx context.Context, coupleID, starID string) (*models.Star, error) {
	var star models.Star
	if err := r.db.WithContext(ctx).First(&star, "id = ? AND couple_id = ?", starID, coupleID).Error; err != nil {
		return nil, storeErr("star not found", err)
	}
	return &star, nil
}

// ListByCouple returns the couple's stars, oldest first
func (r *StarRepository) ListByCouple(ctx context.Context, coupleID string) ([]models.Star, error) {
	var stars []models.Star
	err := r.db.WithContext(ctx).
		Where("couple_id = ?", coupleID).
		Order("created_at ASC, id ASC").
		Find(&stars).Error
	if err != nil {
		return nil, storeErr("failed to list stars", err)
	}
	return stars, nil
}

func starChange(op feed.Op, star *models.Star, at time.Time) feed.Change {
	return feed.Change{
		Table:      feed.TableStars,
		Op:         op,
		Key:        star.ID,
		CoupleID:   star.CoupleID,
		Row:        models.Row(star),
		CommitTime: at,
	}
}
