package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/models"
	"portal-backend/internal/services"

	"github.com/rs/zerolog/log"
)

const writeTries = 3

// Client action types
const (
	ActionSetMood        = "set_mood"
	ActionPlantStar      = "plant_star"
	ActionDeleteStar     = "delete_star"
	ActionUpdateSettings = "update_settings"
	ActionStartGame      = "start_game"
	ActionTap            = "tap"
	ActionResetGame      = "reset_game"
	ActionEndRound       = "end_round"
	ActionPoke           = "poke"
	ActionStroke         = "stroke"
	ActionClearDrawing   = "clear_drawing"
	ActionRefresh        = "refresh"
)

// Action is one client-to-server message
type Action struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Do performs a client action on the caller's goroutine. Optimistic and
// final view updates go through the session goroutine; the write itself
// completes even if ctx is cancelled. Failures are also reported to the
// client as an error frame.
func (s *Session) Do(ctx context.Context, action Action) error {
	err := s.do(ctx, action)
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		s.post(func() { s.sendError(action.Type, err) })
	}
	return err
}

func (s *Session) do(ctx context.Context, action Action) error {
	switch action.Type {
	case ActionSetMood:
		return s.setMood(ctx, action.Data)
	case ActionUpdateSettings:
		return s.updateSettings(ctx, action.Data)
	case ActionRefresh:
		return s.exec(func() { s.resync = true })
	}

	member := s.member.Load()
	if member == nil {
		return services.ErrNotPaired
	}

	switch action.Type {
	case ActionPlantStar:
		return s.plantStar(ctx, member, action.Data)
	case ActionDeleteStar:
		return s.deleteStar(ctx, member, action.Data)
	case ActionStartGame:
		return s.startGame(ctx, member)
	case ActionTap:
		return s.tap(ctx, member)
	case ActionResetGame:
		return s.resetGame(ctx, member)
	case ActionEndRound:
		return s.endRound(ctx, member)
	case ActionPoke:
		return s.write(ctx, func(ctx context.Context) error {
			_, err := s.deps.Pokes.Poke(ctx, member)
			return err
		})
	case ActionStroke:
		var stroke models.Stroke
		if err := decodeAction(action.Data, &stroke); err != nil {
			return err
		}
		return s.deps.Drawings.Stroke(ctx, member, stroke)
	case ActionClearDrawing:
		return s.deps.Drawings.Clear(ctx, member)
	default:
		return apperr.New(apperr.KindInvalidArgument, "unknown action "+action.Type)
	}
}

func decodeAction(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.New(apperr.KindInvalidArgument, "action data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, "invalid action data", err)
	}
	return nil
}

func (s *Session) setMood(ctx context.Context, data json.RawMessage) error {
	var req struct {
		Mood models.MoodType `json:"mood"`
	}
	if err := decodeAction(data, &req); err != nil {
		return err
	}
	if !req.Mood.Valid() {
		return apperr.New(apperr.KindInvalidArgument, "unknown mood "+string(req.Mood))
	}

	if err := s.exec(func() {
		s.moods.Propose(s.userID, req.Mood, s.now())
		s.dirty = true
	}); err != nil {
		return err
	}

	var stored *models.Mood
	err := s.write(ctx, func(ctx context.Context) error {
		var err error
		stored, err = s.deps.Moods.SetMood(ctx, s.userID, req.Mood)
		return err
	})

	s.post(func() {
		if err != nil {
			s.moods.Fail(s.userID, err)
		} else {
			s.moods.Confirm(*stored)
		}
		s.dirty = true
	})
	return err
}

func (s *Session) updateSettings(ctx context.Context, data json.RawMessage) error {
	var req services.SettingsRequest
	if err := decodeAction(data, &req); err != nil {
		return err
	}

	var profile *models.Profile
	err := s.write(ctx, func(ctx context.Context) error {
		var err error
		profile, err = s.deps.Settings.UpdateSettings(ctx, s.userID, req)
		return err
	})
	if err != nil {
		return err
	}
	s.post(func() {
		s.dirty = s.profiles.Apply(*profile, SourceStore) || s.dirty
	})
	return nil
}

func (s *Session) plantStar(ctx context.Context, member *services.Member, data json.RawMessage) error {
	var req services.PlantStarRequest
	if err := decodeAction(data, &req); err != nil {
		return err
	}

	var star *models.Star
	err := s.write(ctx, func(ctx context.Context) error {
		var err error
		star, err = s.deps.Stars.Plant(ctx, member, req)
		return err
	})
	if err != nil {
		return err
	}
	s.post(func() {
		s.dirty = s.stars.Insert(*star) || s.dirty
	})
	return nil
}

func (s *Session) deleteStar(ctx context.Context, member *services.Member, data json.RawMessage) error {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeAction(data, &req); err != nil {
		return err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return apperr.New(apperr.KindInvalidArgument, "star id is required")
	}

	if err := s.exec(func() {
		s.stars.Hide(id)
		s.dirty = true
	}); err != nil {
		return err
	}

	err := s.write(ctx, func(ctx context.Context) error {
		return s.deps.Stars.Delete(ctx, member, id)
	})

	s.post(func() {
		if err != nil {
			s.stars.Unhide(id, err)
		} else {
			s.stars.Delete(id, s.now())
		}
		s.dirty = true
	})
	return err
}

func (s *Session) startGame(ctx context.Context, member *services.Member) error {
	event, err := s.deps.Games.StartRound(ctx, member)
	if err != nil {
		return err
	}
	return s.exec(func() {
		s.dirty = s.game.Start(*event, s.now()) || s.dirty
		s.armTimer()
	})
}

// tap counts locally and broadcasts the cumulative count. Taps outside a
// playing round are ignored.
func (s *Session) tap(ctx context.Context, member *services.Member) error {
	var (
		roundID string
		count   int
		ok      bool
	)
	if err := s.exec(func() {
		roundID, count, ok = s.game.LocalTap(member.Side, s.now())
		s.dirty = s.dirty || ok
	}); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.deps.Games.Tap(ctx, member, roundID, count); err != nil {
		log.Debug().Err(err).Str("round_id", roundID).Msg("Tap broadcast failed")
	}
	return nil
}

func (s *Session) resetGame(ctx context.Context, member *services.Member) error {
	if err := s.exec(func() {
		s.game.Reset()
		s.armTimer()
		s.dirty = true
	}); err != nil {
		return err
	}
	return s.deps.Games.Reset(ctx, member)
}

// endRound reports the current round before its timer fires.
func (s *Session) endRound(ctx context.Context, member *services.Member) error {
	var (
		result services.RoundResult
		endsAt time.Time
		ok     bool
	)
	if err := s.exec(func() {
		if round := s.game.Current(); round != nil {
			endsAt = round.EndsAt
		}
		result, ok = s.game.Finish(member.Side, s.now(), true)
		s.armTimer()
		s.dirty = s.dirty || ok
	}); err != nil {
		return err
	}
	if !ok {
		return nil
	}

	return s.reportRound(ctx, member, result, endsAt)
}
