package reconcile

import (
	"sort"
	"time"

	"portal-backend/internal/models"
)

// MoodView holds one mood register per account
type MoodView struct {
	regs map[string]*Register[models.Mood]
}

// NewMoodView creates an empty mood view
func NewMoodView() *MoodView {
	return &MoodView{regs: make(map[string]*Register[models.Mood])}
}

func (v *MoodView) reg(userID string) *Register[models.Mood] {
	r, ok := v.regs[userID]
	if !ok {
		r = &Register[models.Mood]{}
		v.regs[userID] = r
	}
	return r
}

// Apply merges a mood row.
func (v *MoodView) Apply(m models.Mood, src Source) bool {
	return v.reg(m.UserID).Apply(m, m.UpdatedAt, src)
}

// Propose shows a locally selected mood.
func (v *MoodView) Propose(userID string, mood models.MoodType, now time.Time) {
	r := v.reg(userID)
	current, _ := r.Value()
	current.UserID = userID
	current.Mood = mood
	r.Propose(current, now)
}

// Confirm applies the stored row of a successful write.
func (v *MoodView) Confirm(m models.Mood) {
	v.reg(m.UserID).Confirm(m, m.UpdatedAt)
}

// Fail reverts a failed write.
func (v *MoodView) Fail(userID string, err error) {
	v.reg(userID).Fail(err)
}

// Reset replaces the confirmed state with a fresh fetch, keeping
// optimistic values that are still in flight.
func (v *MoodView) Reset(moods []models.Mood) {
	next := make(map[string]*Register[models.Mood], len(moods))
	for _, m := range moods {
		r := &Register[models.Mood]{}
		r.Apply(m, m.UpdatedAt, SourceStore)
		next[m.UserID] = r
	}
	for id, old := range v.regs {
		if old.pending == nil {
			continue
		}
		r, ok := next[id]
		if !ok {
			r = &Register[models.Mood]{}
			next[id] = r
		}
		r.Propose(*old.pending, old.pendingAt)
	}
	v.regs = next
}

// MoodState is the displayed mood of one account
type MoodState struct {
	UserID    string          `json:"user_id"`
	Mood      models.MoodType `json:"mood"`
	UpdatedAt time.Time       `json:"updated_at"`
	Pending   bool            `json:"pending,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// States returns the displayed moods ordered by user id.
func (v *MoodView) States() []MoodState {
	out := make([]MoodState, 0, len(v.regs))
	for id, r := range v.regs {
		m, ok := r.Value()
		if !ok {
			continue
		}
		state := MoodState{UserID: id, Mood: m.Mood, UpdatedAt: m.UpdatedAt, Pending: r.Pending()}
		if err := r.Err(); err != nil {
			state.Error = err.Error()
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Get returns the displayed mood of an account.
func (v *MoodView) Get(userID string) (models.Mood, bool) {
	r, ok := v.regs[userID]
	if !ok {
		return models.Mood{}, false
	}
	return r.Value()
}

// ProfileView holds one register per couple member
type ProfileView struct {
	regs map[string]*Register[models.Profile]
}

// NewProfileView creates an empty profile view
func NewProfileView() *ProfileView {
	return &ProfileView{regs: make(map[string]*Register[models.Profile])}
}

// Apply merges a profile row.
func (v *ProfileView) Apply(p models.Profile, src Source) bool {
	r, ok := v.regs[p.ID]
	if !ok {
		r = &Register[models.Profile]{}
		v.regs[p.ID] = r
	}
	return r.Apply(p, p.UpdatedAt, src)
}

// Reset replaces the view with a fresh fetch.
func (v *ProfileView) Reset(profiles []models.Profile) {
	v.regs = make(map[string]*Register[models.Profile], len(profiles))
	for _, p := range profiles {
		v.Apply(p, SourceStore)
	}
}

// Get returns the profile of an account.
func (v *ProfileView) Get(id string) (*models.Profile, bool) {
	r, ok := v.regs[id]
	if !ok {
		return nil, false
	}
	p, ok := r.Value()
	return &p, ok
}

// ScoreView holds the couple's tap war score
type ScoreView struct {
	reg Register[models.GameScore]
}

// Apply merges a score row.
func (v *ScoreView) Apply(s models.GameScore, src Source) bool {
	return v.reg.Apply(s, s.UpdatedAt, src)
}

// Reset replaces the score with a fresh fetch. A nil score clears it.
func (v *ScoreView) Reset(s *models.GameScore) {
	v.reg = Register[models.GameScore]{}
	if s != nil {
		v.reg.Apply(*s, s.UpdatedAt, SourceStore)
	}
}

// Get returns the displayed score.
func (v *ScoreView) Get() (models.GameScore, bool) {
	return v.reg.Value()
}
