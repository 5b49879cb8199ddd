package repository

import (
	"context"

	"portal-backend/internal/feed"
	"portal-backend/internal/models"

	"gorm.io/gorm"
)

// ProfileRepository handles database operations for profiles
type ProfileRepository struct {
	db    *gorm.DB
	feed  feed.Publisher
	clock Clock
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *gorm.DB, publisher feed.Publisher) *ProfileRepository {
	return &ProfileRepository{db: db, feed: publisher, clock: DefaultClock}
}

// SettingsUpdate lists the profile fields a user may change. Nil fields
// are left untouched.
type SettingsUpdate struct {
	FullName        *string
	Username        *string
	AvatarURL       *string
	MeetDate        *string
	PartnerTZOffset *float64
}

func (u SettingsUpdate) columns() map[string]any {
	cols := map[string]any{}
	if u.FullName != nil {
		cols["full_name"] = *u.FullName
	}
	if u.Username != nil {
		cols["username"] = *u.Username
	}
	if u.AvatarURL != nil {
		cols["avatar_url"] = *u.AvatarURL
	}
	if u.MeetDate != nil {
		cols["meet_date"] = *u.MeetDate
	}
	if u.PartnerTZOffset != nil {
		cols["partner_tz_offset"] = *u.PartnerTZOffset
	}
	return cols
}

// Create inserts a new profile. A duplicate pairing code or username
// fails with apperr.KindConflictRetryable.
func (r *ProfileRepository) Create(ctx context.Context, profile *models.Profile) error {
	now := r.clock()
	profile.CreatedAt = now
	profile.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(profile).Error; err != nil {
		return storeErr("failed to create profile", err)
	}

	publish(ctx, r.feed, profileChange(feed.OpInsert, profile))
	return nil
}

// GetByID retrieves a profile by ID
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*models.Profile, error) {
	var profile models.Profile
	if err := r.db.WithContext(ctx).First(&profile, "id = ?", id).Error; err != nil {
		return nil, storeErr("profile not found", err)
	}
	return &profile, nil
}

// GetByCode retrieves a profile by pairing code
func (r *ProfileRepository) GetByCode(ctx context.Context, code string) (*models.Profile, error) {
	var profile models.Profile
	if err := r.db.WithContext(ctx).First(&profile, "pairing_code = ?", code).Error; err != nil {
		return nil, storeErr("pairing code not found", err)
	}
	return &profile, nil
}

// CodeExists checks if a pairing code is already issued
func (r *ProfileRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Where("pairing_code = ?", code).
		Count(&count).Error
	if err != nil {
		return false, storeErr("failed to check code existence", err)
	}
	return count > 0, nil
}

// ListByCouple returns the members of a couple ordered by id, so the first
// element is side A.
func (r *ProfileRepository) ListByCouple(ctx context.Context, coupleID string) ([]models.Profile, error) {
	var profiles []models.Profile
	err := r.db.WithContext(ctx).
		Where("couple_id = ?", coupleID).
		Order("id ASC").
		Find(&profiles).Error
	if err != nil {
		return nil, storeErr("failed to list couple profiles", err)
	}
	return profiles, nil
}

// GetPartner returns the other member of the profile's couple.
func (r *ProfileRepository) GetPartner(ctx context.Context, profile *models.Profile) (*models.Profile, error) {
	var partner models.Profile
	err := r.db.WithContext(ctx).
		Where("couple_id = ? AND id <> ?", coupleOf(profile.CoupleID), profile.ID).
		First(&partner).Error
	if err != nil {
		return nil, storeErr("partner not found", err)
	}
	return &partner, nil
}

// UpdateSettings applies the update and returns the stored profile.
func (r *ProfileRepository) UpdateSettings(ctx context.Context, id string, update SettingsUpdate) (*models.Profile, error) {
	cols := update.columns()

	var profile models.Profile
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&profile, "id = ?", id).Error; err != nil {
			return err
		}
		cols["updated_at"] = nextTimestamp(r.clock, profile.UpdatedAt)
		if err := tx.Model(&models.Profile{}).Where("id = ?", id).Updates(cols).Error; err != nil {
			return err
		}
		return tx.First(&profile, "id = ?", id).Error
	})
	if err != nil {
		return nil, storeErr("failed to update profile", err)
	}

	publish(ctx, r.feed, profileChange(feed.OpUpdate, &profile))
	return &profile, nil
}

// UpdatePushToken updates the push token for a profile
func (r *ProfileRepository) UpdatePushToken(ctx context.Context, id string, pushToken *string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Where("id = ?", id).
		Update("push_token", pushToken)
	if res.Error != nil {
		return storeErr("failed to update push token", res.Error)
	}
	if res.RowsAffected == 0 {
		return storeErr("profile not found", gorm.ErrRecordNotFound)
	}
	return nil
}

func profileChange(op feed.Op, profile *models.Profile) feed.Change {
	return feed.Change{
		Table:      feed.TableProfiles,
		Op:         op,
		Key:        profile.ID,
		CoupleID:   coupleOf(profile.CoupleID),
		Row:        models.Row(profile),
		CommitTime: profile.UpdatedAt,
	}
}
