package reconcile

import (
	"time"

	"portal-backend/internal/models"
)

// Frame types sent to the client
const (
	FrameState          = "state"
	FrameStroke         = "stroke"
	FrameClear          = "clear"
	FramePoke           = "poke"
	FrameDrawing        = "drawing"
	FrameDrawingRemoved = "drawing-removed"
	FrameError          = "error"
)

// Frame is one server-to-client message
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Sink delivers frames to one client. The session calls Send from its own
// goroutine only.
type Sink interface {
	Send(Frame) error
}

// ErrorFrame reports a failed action.
type ErrorFrame struct {
	Action  string `json:"action,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ScoreState is the tap war score from the client's side
type ScoreState struct {
	Mine      int       `json:"mine"`
	Theirs    int       `json:"theirs"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View is the reconciled state pushed in every state frame.
type View struct {
	Paired        bool            `json:"paired"`
	Synced        bool            `json:"synced"`
	Me            *models.Profile `json:"me,omitempty"`
	Partner       *models.Profile `json:"partner,omitempty"`
	Side          models.Side     `json:"side,omitempty"`
	PartnerOnline bool            `json:"partner_online"`
	Moods         []MoodState     `json:"moods"`
	Score         *ScoreState     `json:"score,omitempty"`
	Stars         []StarState     `json:"stars"`
	Game          GameState       `json:"game"`
}

// Mood returns the displayed mood of userID.
func (v *View) Mood(userID string) (MoodState, bool) {
	for _, m := range v.Moods {
		if m.UserID == userID {
			return m, true
		}
	}
	return MoodState{}, false
}

func (s *Session) render() View {
	view := View{
		Paired:        s.paired,
		Synced:        s.synced,
		PartnerOnline: s.partnerOnline,
		Moods:         s.moods.States(),
		Stars:         s.stars.List(),
		Game:          GameState{Phase: PhaseIdle},
	}
	view.Me, _ = s.profiles.Get(s.userID)

	member := s.member.Load()
	if member == nil || !s.paired {
		return view
	}
	view.Side = member.Side
	view.Partner, _ = s.profiles.Get(member.PartnerID)
	if score, ok := s.score.Get(); ok {
		view.Score = &ScoreState{
			Mine:      score.Score(member.Side),
			Theirs:    score.Score(member.Side.Other()),
			UpdatedAt: score.UpdatedAt,
		}
	}
	view.Game = s.game.State(member.Side, s.now())
	return view
}
