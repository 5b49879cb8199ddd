package services

import (
	"context"
	"strings"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/broadcast"
	"portal-backend/internal/models"
	"portal-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Tap war timing
const (
	CountdownDuration = 3 * time.Second
	RoundDuration     = 10 * time.Second
	maxRoundIDLength  = 64
)

// GameStartEvent announces a new round
type GameStartEvent struct {
	RoundID   string    `json:"round_id"`
	StartedBy string    `json:"started_by"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
}

// TapEvent carries a side's cumulative tap count for a round
type TapEvent struct {
	RoundID string      `json:"round_id"`
	UserID  string      `json:"user_id"`
	Side    models.Side `json:"side"`
	Count   int         `json:"count"`
}

// GameResetEvent returns both clients to the idle state
type GameResetEvent struct {
	UserID string `json:"user_id"`
}

// RoundResult is one client's view of a finished round. MyTaps is the
// caller's authoritative final count; PartnerTaps is only what the caller
// saw broadcast and serves as a fallback when settling.
type RoundResult struct {
	RoundID     string `json:"round_id"`
	MyTaps      int    `json:"my_taps"`
	PartnerTaps int    `json:"partner_taps"`
}

// RoundOutcome reports the state of a round after a report
type RoundOutcome struct {
	Score *models.GameScore `json:"score"`
	// Winner is set once the round is decided.
	Winner   models.Side `json:"winner,omitempty"`
	Decided  bool        `json:"decided"`
	Recorded bool        `json:"recorded"`
}

// GameService handles the tap war minigame
type GameService struct {
	scores    *repository.ScoreRepository
	bus       broadcast.Bus
	now       func() time.Time
	countdown time.Duration
	duration  time.Duration
}

// NewGameService creates a new game service
func NewGameService(scores *repository.ScoreRepository, bus broadcast.Bus) *GameService {
	return &GameService{
		scores:    scores,
		bus:       bus,
		now:       time.Now,
		countdown: CountdownDuration,
		duration:  RoundDuration,
	}
}

// WithTiming overrides the countdown and round lengths.
func (s *GameService) WithTiming(countdown, duration time.Duration) *GameService {
	s.countdown = countdown
	s.duration = duration
	return s
}

// Setup creates the couple's score row if absent.
func (s *GameService) Setup(ctx context.Context, member *Member) (*models.GameScore, error) {
	return s.scores.Ensure(ctx, member.CoupleID)
}

// Score returns the couple's score, creating it on first use.
func (s *GameService) Score(ctx context.Context, member *Member) (*models.GameScore, error) {
	return s.scores.Ensure(ctx, member.CoupleID)
}

// StartRound announces a new round that begins after the countdown.
func (s *GameService) StartRound(ctx context.Context, member *Member) (*GameStartEvent, error) {
	now := s.now().UTC()
	event := &GameStartEvent{
		RoundID:   uuid.New().String(),
		StartedBy: member.UserID,
		StartsAt:  now.Add(s.countdown),
		EndsAt:    now.Add(s.countdown + s.duration),
	}
	topic := broadcast.TopicFor(broadcast.FeatureTapWar, member.CoupleID)
	if err := s.bus.Publish(ctx, topic, broadcast.EventGameStart, event); err != nil {
		return nil, apperr.Wrap(apperr.KindChannelDisconnected, "failed to start round", err)
	}
	return event, nil
}

// Tap broadcasts the caller's cumulative tap count for display. A lost
// tap is repaired by the next one; the round itself is decided from the
// counts each side reports with RecordRound.
func (s *GameService) Tap(ctx context.Context, member *Member, roundID string, count int) error {
	if count < 0 {
		return apperr.New(apperr.KindInvalidArgument, "tap count must not be negative")
	}
	topic := broadcast.TopicFor(broadcast.FeatureTapWar, member.CoupleID)
	event := TapEvent{RoundID: roundID, UserID: member.UserID, Side: member.Side, Count: count}
	return s.bus.Publish(ctx, topic, broadcast.EventTap, event)
}

// Reset broadcasts a return to the idle state.
func (s *GameService) Reset(ctx context.Context, member *Member) error {
	topic := broadcast.TopicFor(broadcast.FeatureTapWar, member.CoupleID)
	return s.bus.Publish(ctx, topic, broadcast.EventGameReset, GameResetEvent{UserID: member.UserID})
}

// RecordRound stores the caller's final tap count for the round. The
// round is decided once both members have reported, from their own counts
// only, and the store counts each round id once.
func (s *GameService) RecordRound(ctx context.Context, member *Member, result RoundResult) (*RoundOutcome, error) {
	if err := validateResult(&result); err != nil {
		return nil, err
	}
	decision, err := s.scores.ReportTaps(ctx, models.RoundTally{
		CoupleID:   member.CoupleID,
		RoundID:    result.RoundID,
		Side:       member.Side,
		Taps:       result.MyTaps,
		ReportedBy: member.UserID,
	})
	if err != nil {
		return nil, err
	}
	return outcomeOf(member, result.RoundID, decision), nil
}

// SettleRound decides a round whose partner never reported, using the
// partner count the caller last saw. A round already decided is returned
// unchanged.
func (s *GameService) SettleRound(ctx context.Context, member *Member, result RoundResult) (*RoundOutcome, error) {
	if err := validateResult(&result); err != nil {
		return nil, err
	}
	decision, err := s.scores.SettleRound(ctx, member.CoupleID, result.RoundID, member.UserID, map[models.Side]int{
		member.Side:         result.MyTaps,
		member.Side.Other(): result.PartnerTaps,
	})
	if err != nil {
		return nil, err
	}
	return outcomeOf(member, result.RoundID, decision), nil
}

func validateResult(result *RoundResult) error {
	result.RoundID = strings.TrimSpace(result.RoundID)
	if result.RoundID == "" || len(result.RoundID) > maxRoundIDLength {
		return apperr.New(apperr.KindInvalidArgument, "round_id is required")
	}
	if result.MyTaps < 0 || result.PartnerTaps < 0 {
		return apperr.New(apperr.KindInvalidArgument, "tap counts must not be negative")
	}
	return nil
}

func outcomeOf(member *Member, roundID string, decision *repository.RoundDecision) *RoundOutcome {
	outcome := &RoundOutcome{Score: &decision.Score, Recorded: decision.Recorded}
	if decision.Round != nil {
		outcome.Decided = true
		outcome.Winner = decision.Round.Winner
	}
	if decision.Recorded {
		log.Info().
			Str("couple_id", member.CoupleID).
			Str("round_id", roundID).
			Str("winner", string(outcome.Winner)).
			Msg("Round recorded")
	}
	return outcome
}
