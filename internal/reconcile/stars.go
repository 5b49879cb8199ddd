package reconcile

import (
	"sort"
	"time"

	"portal-backend/internal/models"
)

// StarSet is the couple's stars. Deletes leave tombstones so an insert
// delivered after its delete cannot bring the star back.
type StarSet struct {
	stars      map[string]models.Star
	tombstones map[string]time.Time
	hidden     map[string]bool
	errs       map[string]error
}

// NewStarSet creates an empty star set
func NewStarSet() *StarSet {
	return &StarSet{
		stars:      make(map[string]models.Star),
		tombstones: make(map[string]time.Time),
		hidden:     make(map[string]bool),
		errs:       make(map[string]error),
	}
}

// Insert adds a star unless it was deleted.
func (s *StarSet) Insert(star models.Star) bool {
	if _, dead := s.tombstones[star.ID]; dead {
		return false
	}
	s.stars[star.ID] = star
	return true
}

// Delete removes a star for good.
func (s *StarSet) Delete(id string, at time.Time) {
	s.tombstones[id] = at
	delete(s.stars, id)
	delete(s.hidden, id)
	delete(s.errs, id)
}

// Hide hides a star while its delete is in flight.
func (s *StarSet) Hide(id string) {
	s.hidden[id] = true
	delete(s.errs, id)
}

// Unhide shows a star again after its delete failed.
func (s *StarSet) Unhide(id string, err error) {
	delete(s.hidden, id)
	if _, ok := s.stars[id]; ok && err != nil {
		s.errs[id] = err
	}
}

// Reset replaces the stars with a fresh fetch. Tombstones survive so a
// stale fetch cannot resurrect a deleted star.
func (s *StarSet) Reset(stars []models.Star) {
	s.stars = make(map[string]models.Star, len(stars))
	for _, star := range stars {
		s.Insert(star)
	}
	for id := range s.hidden {
		if _, ok := s.stars[id]; !ok {
			delete(s.hidden, id)
		}
	}
}

// StarState is one displayed star
type StarState struct {
	models.Star
	Error string `json:"error,omitempty"`
}

// List returns the visible stars, oldest first.
func (s *StarSet) List() []StarState {
	out := make([]StarState, 0, len(s.stars))
	for id, star := range s.stars {
		if s.hidden[id] {
			continue
		}
		state := StarState{Star: star}
		if err := s.errs[id]; err != nil {
			state.Error = err.Error()
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Has reports whether the star is present, hidden or not.
func (s *StarSet) Has(id string) bool {
	_, ok := s.stars[id]
	return ok
}
