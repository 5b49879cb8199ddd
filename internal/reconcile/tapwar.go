package reconcile

import (
	"time"

	"portal-backend/internal/models"
	"portal-backend/internal/services"
)

// Phase of a tap war round
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCountdown Phase = "countdown"
	PhasePlaying   Phase = "playing"
	PhaseFinished  Phase = "finished"
)

// Round is one tap war round as seen by a client
type Round struct {
	ID        string
	StartedBy string
	StartsAt  time.Time
	EndsAt    time.Time
	Taps      map[models.Side]int
	Reported  bool
}

// Phase returns the round phase at now.
func (r *Round) Phase(now time.Time) Phase {
	switch {
	case now.Before(r.StartsAt):
		return PhaseCountdown
	case now.Before(r.EndsAt):
		return PhasePlaying
	default:
		return PhaseFinished
	}
}

// TapWar tracks the current round. Tap counts are cumulative per side, so
// merging with max tolerates lost and reordered tap events.
type TapWar struct {
	round *Round
}

// Start adopts a round announcement. When both members start at once,
// both clients settle on the earlier round (lower id on a tie).
func (w *TapWar) Start(e services.GameStartEvent, now time.Time) bool {
	if w.round != nil {
		if w.round.ID == e.RoundID {
			return false
		}
		if w.round.Phase(now) != PhaseFinished && !earlier(e, w.round) {
			return false
		}
	}
	w.round = &Round{
		ID:        e.RoundID,
		StartedBy: e.StartedBy,
		StartsAt:  e.StartsAt,
		EndsAt:    e.EndsAt,
		Taps:      make(map[models.Side]int),
	}
	return true
}

func earlier(e services.GameStartEvent, r *Round) bool {
	if e.StartsAt.Equal(r.StartsAt) {
		return e.RoundID < r.ID
	}
	return e.StartsAt.Before(r.StartsAt)
}

// Merge applies a cumulative tap count for a side.
func (w *TapWar) Merge(roundID string, side models.Side, count int) bool {
	if w.round == nil || w.round.ID != roundID || count <= w.round.Taps[side] {
		return false
	}
	w.round.Taps[side] = count
	return true
}

// LocalTap counts one tap of mySide while the round is playing and
// returns the new cumulative count.
func (w *TapWar) LocalTap(mySide models.Side, now time.Time) (string, int, bool) {
	if w.round == nil || w.round.Phase(now) != PhasePlaying {
		return "", 0, false
	}
	w.round.Taps[mySide]++
	return w.round.ID, w.round.Taps[mySide], true
}

// Reset returns to idle.
func (w *TapWar) Reset() {
	w.round = nil
}

// Finish marks the round reported and returns the result to record. It
// returns false when there is no finished, unreported round.
func (w *TapWar) Finish(mySide models.Side, now time.Time, force bool) (services.RoundResult, bool) {
	if w.round == nil || w.round.Reported {
		return services.RoundResult{}, false
	}
	if !force && w.round.Phase(now) != PhaseFinished {
		return services.RoundResult{}, false
	}
	w.round.Reported = true
	return services.RoundResult{
		RoundID:     w.round.ID,
		MyTaps:      w.round.Taps[mySide],
		PartnerTaps: w.round.Taps[mySide.Other()],
	}, true
}

// Current returns the current round, if any.
func (w *TapWar) Current() *Round {
	return w.round
}

// GameState is the displayed tap war state
type GameState struct {
	RoundID     string    `json:"round_id,omitempty"`
	Phase       Phase     `json:"phase"`
	StartsAt    time.Time `json:"starts_at,omitempty"`
	EndsAt      time.Time `json:"ends_at,omitempty"`
	MyTaps      int       `json:"my_taps"`
	PartnerTaps int       `json:"partner_taps"`
}

// State renders the round from mySide's point of view.
func (w *TapWar) State(mySide models.Side, now time.Time) GameState {
	if w.round == nil {
		return GameState{Phase: PhaseIdle}
	}
	return GameState{
		RoundID:     w.round.ID,
		Phase:       w.round.Phase(now),
		StartsAt:    w.round.StartsAt,
		EndsAt:      w.round.EndsAt,
		MyTaps:      w.round.Taps[mySide],
		PartnerTaps: w.round.Taps[mySide.Other()],
	}
}
