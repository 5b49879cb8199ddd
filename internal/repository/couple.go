package repository

import (
	"context"

	"portal-backend/internal/apperr"
	"portal-backend/internal/feed"
	"portal-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CoupleRepository handles database operations for couples
type CoupleRepository struct {
	db    *gorm.DB
	feed  feed.Publisher
	clock Clock
}

// NewCoupleRepository creates a new couple repository
func NewCoupleRepository(db *gorm.DB, publisher feed.Publisher) *CoupleRepository {
	return &CoupleRepository{db: db, feed: publisher, clock: DefaultClock}
}

// Link creates a couple and assigns it to both profiles in one
// transaction. The assignment only applies to profiles whose couple_id is
// still NULL; unless both rows match, nothing is committed and the call
// fails with apperr.KindConflictRetryable. Each profile's updated_at moves
// strictly forward from its own previous value.
func (r *CoupleRepository) Link(ctx context.Context, firstID, secondID string) (*models.Couple, error) {
	couple := &models.Couple{ID: uuid.New().String(), CreatedAt: r.clock()}

	var members []models.Profile
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(couple).Error; err != nil {
			return err
		}

		var unpaired []models.Profile
		err := tx.Where("id IN ? AND couple_id IS NULL", []string{firstID, secondID}).Find(&unpaired).Error
		if err != nil {
			return err
		}
		if len(unpaired) != 2 {
			return apperr.New(apperr.KindConflictRetryable, "profile was paired concurrently")
		}

		for _, p := range unpaired {
			res := tx.Model(&models.Profile{}).
				Where("id = ? AND couple_id IS NULL", p.ID).
				Updates(map[string]any{
					"couple_id":  couple.ID,
					"updated_at": nextTimestamp(r.clock, p.UpdatedAt),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return apperr.New(apperr.KindConflictRetryable, "profile was paired concurrently")
			}
		}

		return tx.Where("couple_id = ?", couple.ID).Order("id ASC").Find(&members).Error
	})
	if err != nil {
		return nil, storeErr("failed to link couple", err)
	}

	changes := make([]feed.Change, 0, len(members))
	for i := range members {
		changes = append(changes, profileChange(feed.OpUpdate, &members[i]))
	}
	publish(ctx, r.feed, changes...)

	return couple, nil
}

// GetByID retrieves a couple by ID
func (r *CoupleRepository) GetByID(ctx context.Context, id string) (*models.Couple, error) {
	var couple models.Couple
	if err := r.db.WithContext(ctx).First(&couple, "id = ?", id).Error; err != nil {
		return nil, storeErr("couple not found", err)
	}
	return &couple, nil
}
