package repository

import (
	"context"

	"portal-backend/internal/feed"
	"portal-backend/internal/models"

	"gorm.io/gorm"
)

// at most this many old drawings are trimmed per save
const trimBatch = 100

// DrawingRepository handles database operations for saved drawings
type DrawingRepository struct {
	db    *gorm.DB
	feed  feed.Publisher
	clock Clock
}

// NewDrawingRepository creates a new drawing repository
func NewDrawingRepository(db *gorm.DB, publisher feed.Publisher) *DrawingRepository {
	return &DrawingRepository{db: db, feed: publisher, clock: DefaultClock}
}

// Create saves a drawing and trims the couple's history to the newest
// keep drawings. It returns the trimmed drawings so their blobs can be
// removed.
func (r *DrawingRepository) Create(ctx context.Context, drawing *models.Drawing, keep int) ([]models.Drawing, error) {
	drawing.CreatedAt = r.clock()

	var trimmed []models.Drawing
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(drawing).Error; err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}
		err := tx.Where("couple_id = ?", drawing.CoupleID).
			Order("created_at DESC, id DESC").
			Offset(keep).
			Limit(trimBatch).
			Find(&trimmed).Error
		if err != nil {
			return err
		}
		if len(trimmed) == 0 {
			return nil
		}
		ids := make([]string, len(trimmed))
		for i, d := range trimmed {
			ids[i] = d.ID
		}
		return tx.Where("id IN ?", ids).Delete(&models.Drawing{}).Error
	})
	if err != nil {
		return nil, storeErr("failed to save drawing", err)
	}

	changes := []feed.Change{drawingChange(feed.OpInsert, drawing)}
	for i := range trimmed {
		change := drawingChange(feed.OpDelete, &trimmed[i])
		change.CommitTime = drawing.CreatedAt
		changes = append(changes, change)
	}
	publish(ctx, r.feed, changes...)

	return trimmed, nil
}

// ListByCouple returns the couple's drawings, newest first
func (r *DrawingRepository) ListByCouple(ctx context.Context, coupleID string, limit int) ([]models.Drawing, error) {
	var drawings []models.Drawing
	query := r.db.WithContext(ctx).
		Where("couple_id = ?", coupleID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&drawings).Error; err != nil {
		return nil, storeErr("failed to list drawings", err)
	}
	return drawings, nil
}

func drawingChange(op feed.Op, drawing *models.Drawing) feed.Change {
	return feed.Change{
		Table:      feed.TableDrawings,
		Op:         op,
		Key:        drawing.ID,
		CoupleID:   drawing.CoupleID,
		Row:        models.Row(drawing),
		CommitTime: drawing.CreatedAt,
	}
}
