// Package pairing links two accounts into a couple through a shared code.
package pairing

import (
	"context"
	"errors"
	"fmt"

	"portal-backend/internal/apperr"
	"portal-backend/internal/broadcast"
	"portal-backend/internal/models"

	"github.com/rs/zerolog/log"
)

const maxCodeAttempts = 10

// ErrCodesExhausted is returned when no free code was found.
var ErrCodesExhausted = errors.New("failed to generate unique pairing code")

// Profiles is the profile lookup the engine needs.
type Profiles interface {
	GetByID(ctx context.Context, id string) (*models.Profile, error)
	GetByCode(ctx context.Context, code string) (*models.Profile, error)
	CodeExists(ctx context.Context, code string) (bool, error)
}

// Linker atomically assigns a new couple to two unpaired profiles.
type Linker interface {
	Link(ctx context.Context, firstID, secondID string) (*models.Couple, error)
}

// Engine issues pairing codes and redeems them
type Engine struct {
	profiles Profiles
	couples  Linker
	bus      broadcast.Bus
}

// NewEngine creates a new pairing engine
func NewEngine(profiles Profiles, couples Linker, bus broadcast.Bus) *Engine {
	return &Engine{
		profiles: profiles,
		couples:  couples,
		bus:      bus,
	}
}

// PairedEvent is broadcast on the new couple's profile topic.
type PairedEvent struct {
	CoupleID  string   `json:"couple_id"`
	MemberIDs []string `json:"member_ids"`
}

// IssueCode returns a code no profile owns yet. The unique index on
// pairing_code still guards the insert that follows.
func (e *Engine) IssueCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		exists, err := e.profiles.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check code existence: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrCodesExhausted, maxCodeAttempts)
}

// Redeem pairs the requester with the owner of code and returns the new
// couple id. A concurrent pairing of either side is retried once; the
// retry then sees the committed state and reports AlreadyPaired.
func (e *Engine) Redeem(ctx context.Context, requesterID, code string) (string, error) {
	code = NormalizeCode(code)
	if code == "" {
		return "", apperr.New(apperr.KindInvalidArgument, "pairing code is required")
	}

	var (
		couple    *models.Couple
		partnerID string
		err       error
	)
	for attempt := 0; attempt < 2; attempt++ {
		couple, partnerID, err = e.redeem(ctx, requesterID, code)
		if !errors.Is(err, apperr.ErrConflictRetryable) {
			break
		}
		log.Warn().Err(err).Str("user_id", requesterID).Int("attempt", attempt+1).Msg("Pairing conflict")
	}
	if err != nil {
		return "", err
	}

	log.Info().Str("couple_id", couple.ID).Str("user_id", requesterID).Msg("Couple paired")
	e.announce(ctx, couple.ID, requesterID, partnerID)
	return couple.ID, nil
}

func (e *Engine) redeem(ctx context.Context, requesterID, code string) (*models.Couple, string, error) {
	requester, err := e.profiles.GetByID(ctx, requesterID)
	if err != nil {
		return nil, "", err
	}
	if !ValidCode(code) {
		return nil, "", apperr.New(apperr.KindNotFound, "pairing code not found")
	}
	partner, err := e.profiles.GetByCode(ctx, code)
	if err != nil {
		return nil, "", err
	}
	if partner.ID == requester.ID {
		return nil, "", apperr.ErrSelfPairing
	}
	if requester.Paired() {
		return nil, "", apperr.New(apperr.KindAlreadyPaired, "you are already paired")
	}
	if partner.Paired() {
		return nil, "", apperr.New(apperr.KindAlreadyPaired, "partner is already paired")
	}
	couple, err := e.couples.Link(ctx, requester.ID, partner.ID)
	return couple, partner.ID, err
}

// announce tells both members' open sessions to reload their profiles.
func (e *Engine) announce(ctx context.Context, coupleID, requesterID, partnerID string) {
	event := PairedEvent{CoupleID: coupleID, MemberIDs: []string{requesterID, partnerID}}
	if models.SideOf(requesterID, partnerID) == models.SideB {
		event.MemberIDs[0], event.MemberIDs[1] = partnerID, requesterID
	}
	topic := broadcast.TopicFor(broadcast.FeatureProfile, coupleID)
	if err := e.bus.Publish(ctx, topic, broadcast.EventProfileUpdate, event); err != nil {
		log.Error().Err(err).Str("couple_id", coupleID).Msg("Failed to broadcast pairing")
	}
}
