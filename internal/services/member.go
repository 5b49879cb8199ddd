package services

import (
	"context"

	"portal-backend/internal/apperr"
	"portal-backend/internal/models"
	"portal-backend/internal/repository"
)

// Member is a paired account as seen by couple-scoped features.
type Member struct {
	UserID    string      `json:"user_id"`
	PartnerID string      `json:"partner_id"`
	CoupleID  string      `json:"couple_id"`
	Side      models.Side `json:"side"`
}

// ErrNotPaired is returned by couple-scoped operations for unpaired accounts.
var ErrNotPaired = apperr.New(apperr.KindForbidden, "you are not paired yet")

// MemberResolver loads the couple membership of an account
type MemberResolver struct {
	profiles *repository.ProfileRepository
}

// NewMemberResolver creates a new member resolver
func NewMemberResolver(profiles *repository.ProfileRepository) *MemberResolver {
	return &MemberResolver{profiles: profiles}
}

// Resolve returns the membership of userID or ErrNotPaired.
func (r *MemberResolver) Resolve(ctx context.Context, userID string) (*Member, error) {
	profile, err := r.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !profile.Paired() {
		return nil, ErrNotPaired
	}

	partner, err := r.profiles.GetPartner(ctx, profile)
	if err != nil {
		return nil, err
	}

	return &Member{
		UserID:    profile.ID,
		PartnerID: partner.ID,
		CoupleID:  *profile.CoupleID,
		Side:      models.SideOf(profile.ID, partner.ID),
	}, nil
}
