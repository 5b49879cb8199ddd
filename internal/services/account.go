package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/identity"
	"portal-backend/internal/models"
	"portal-backend/internal/pairing"
	"portal-backend/internal/repository"
	"portal-backend/internal/settings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	maxNameLength    = 128
	maxUsernameLen   = 64
	minTZOffset      = -12
	maxTZOffset      = 14
	maxCreateAttempt = 3
)

// AccountService handles account-related business logic
type AccountService struct {
	profiles *repository.ProfileRepository
	engine   *pairing.Engine
	tokens   *identity.Provider
	settings *settings.Store
	now      func() time.Time
}

// NewAccountService creates a new account service
func NewAccountService(
	profiles *repository.ProfileRepository,
	engine *pairing.Engine,
	tokens *identity.Provider,
	store *settings.Store,
) *AccountService {
	return &AccountService{
		profiles: profiles,
		engine:   engine,
		tokens:   tokens,
		settings: store,
		now:      time.Now,
	}
}

// CreateAccountRequest represents a request to create an anonymous account
type CreateAccountRequest struct {
	FullName string `json:"full_name"`
}

// Account is a created account with its token
type Account struct {
	Profile *models.Profile `json:"profile"`
	Token   string          `json:"token"`
}

// CreateAccount creates a new anonymous account with a fresh pairing code.
func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	name := strings.TrimSpace(req.FullName)
	if len(name) > maxNameLength {
		return nil, apperr.New(apperr.KindInvalidArgument, "full_name is too long")
	}

	var profile *models.Profile
	for attempt := 0; ; attempt++ {
		code, err := s.engine.IssueCode(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}

		profile = &models.Profile{
			ID:          uuid.New().String(),
			FullName:    name,
			PairingCode: code,
		}
		err = s.profiles.Create(ctx, profile)
		if err == nil {
			break
		}
		// lost a race for the code between the check and the insert
		if !errors.Is(err, apperr.ErrConflictRetryable) || attempt+1 >= maxCreateAttempt {
			return nil, err
		}
	}

	token, err := s.tokens.Issue(profile.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	s.syncSettings(ctx, profile)
	log.Info().Str("user_id", profile.ID).Msg("Account created")
	return &Account{Profile: profile, Token: token}, nil
}

// Me is the caller's profile with their partner, if paired
type Me struct {
	Profile *models.Profile `json:"profile"`
	Partner *models.Profile `json:"partner,omitempty"`
	Side    models.Side     `json:"side,omitempty"`
}

// GetMe returns the caller's profile and partner and refreshes the local
// settings copy.
func (s *AccountService) GetMe(ctx context.Context, userID string) (*Me, error) {
	profile, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.syncSettings(ctx, profile)

	me := &Me{Profile: profile}
	if !profile.Paired() {
		return me, nil
	}

	partner, err := s.profiles.GetPartner(ctx, profile)
	if err != nil {
		return nil, err
	}
	me.Partner = partner
	me.Side = models.SideOf(profile.ID, partner.ID)
	return me, nil
}

// SettingsRequest carries optional settings fields; absent fields are
// left unchanged.
type SettingsRequest struct {
	FullName        *string  `json:"full_name"`
	Username        *string  `json:"username"`
	AvatarURL       *string  `json:"avatar_url"`
	MeetDate        *string  `json:"meet_date"`
	PartnerTZOffset *float64 `json:"partner_tz_offset"`
}

// Validate normalizes the request in place.
func (r *SettingsRequest) Validate() error {
	if r.FullName != nil {
		name := strings.TrimSpace(*r.FullName)
		if name == "" || len(name) > maxNameLength {
			return apperr.New(apperr.KindInvalidArgument, "full_name must be 1-128 characters")
		}
		r.FullName = &name
	}
	if r.Username != nil {
		username := strings.ToLower(strings.TrimSpace(*r.Username))
		if username == "" || len(username) > maxUsernameLen {
			return apperr.New(apperr.KindInvalidArgument, "username must be 1-64 characters")
		}
		r.Username = &username
	}
	if r.MeetDate != nil {
		if _, err := time.Parse(models.DateLayout, *r.MeetDate); err != nil {
			return apperr.Wrap(apperr.KindInvalidArgument, "meet_date must be YYYY-MM-DD", err)
		}
	}
	if r.PartnerTZOffset != nil {
		offset := *r.PartnerTZOffset
		if math.IsNaN(offset) || offset < minTZOffset || offset > maxTZOffset {
			return apperr.New(apperr.KindInvalidArgument, "partner_tz_offset must be within [-12, 14]")
		}
	}
	return nil
}

// UpdateSettings validates and stores the caller's settings.
func (s *AccountService) UpdateSettings(ctx context.Context, userID string, req SettingsRequest) (*models.Profile, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	profile, err := s.profiles.UpdateSettings(ctx, userID, repository.SettingsUpdate{
		FullName:        req.FullName,
		Username:        req.Username,
		AvatarURL:       req.AvatarURL,
		MeetDate:        req.MeetDate,
		PartnerTZOffset: req.PartnerTZOffset,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflictRetryable) {
			return nil, apperr.Wrap(apperr.KindInvalidArgument, "username is taken", err)
		}
		return nil, err
	}

	s.syncSettings(ctx, profile)
	return profile, nil
}

// UpdatePushToken stores the device token used for offline pokes. An
// empty token clears it.
func (s *AccountService) UpdatePushToken(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return s.profiles.UpdatePushToken(ctx, userID, nil)
	}
	return s.profiles.UpdatePushToken(ctx, userID, &token)
}

// SignOut revokes the token and forgets the local settings copy.
func (s *AccountService) SignOut(ctx context.Context, userID, token string) error {
	if err := s.tokens.SignOut(ctx, token); err != nil {
		return err
	}
	if s.settings != nil {
		if err := s.settings.Clear(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to clear settings")
		}
	}
	return nil
}

// Countdown is the dashboard view of the next meeting
type Countdown struct {
	MeetDate         *string   `json:"meet_date,omitempty"`
	DaysUntil        *int      `json:"days_until,omitempty"`
	PartnerTZOffset  float64   `json:"partner_tz_offset"`
	PartnerLocalTime time.Time `json:"partner_local_time"`
}

// Countdown computes days until the meet date and the partner's local
// time from the local settings copy, syncing it first when missing.
func (s *AccountService) Countdown(ctx context.Context, userID string) (*Countdown, error) {
	var (
		meetDate string
		offset   float64
	)

	local, found := settings.Settings{}, false
	if s.settings != nil {
		var err error
		if local, found, err = s.settings.Get(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to read local settings")
			found = false
		}
	}
	if found {
		meetDate, offset = local.MeetDate, local.PartnerTZOffset
	} else {
		profile, err := s.profiles.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.syncSettings(ctx, profile)
		if profile.MeetDate != nil {
			meetDate = *profile.MeetDate
		}
		offset = profile.PartnerTZOffset
	}

	now := s.now()
	out := &Countdown{
		PartnerTZOffset:  offset,
		PartnerLocalTime: PartnerLocalTime(now, offset),
	}
	if meetDate != "" {
		meet, err := time.Parse(models.DateLayout, meetDate)
		if err == nil {
			days := DaysUntil(meet, now)
			out.MeetDate = &meetDate
			out.DaysUntil = &days
		}
	}
	return out, nil
}

// DaysUntil returns the ceiling of the days from now to midnight UTC of
// meet. It is negative once the date has passed.
func DaysUntil(meet, now time.Time) int {
	meet = time.Date(meet.Year(), meet.Month(), meet.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Ceil(meet.Sub(now.UTC()).Hours() / 24))
}

// PartnerLocalTime shifts now by a fractional hour offset.
func PartnerLocalTime(now time.Time, offsetHours float64) time.Time {
	seconds := int(math.Round(offsetHours * 3600))
	return now.In(time.FixedZone("partner", seconds))
}

func (s *AccountService) syncSettings(ctx context.Context, profile *models.Profile) {
	if s.settings == nil {
		return
	}
	if err := s.settings.SyncFromProfile(ctx, profile); err != nil {
		log.Warn().Err(err).Str("user_id", profile.ID).Msg("Failed to sync local settings")
	}
}
