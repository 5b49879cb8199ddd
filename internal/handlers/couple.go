package handlers

import (
	"net/http"

	"portal-backend/internal/middleware"
	"portal-backend/internal/models"
	"portal-backend/internal/services"

	"github.com/go-chi/chi/v5"
)

// CoupleHandler handles the couple-scoped features
type CoupleHandler struct {
	members   *services.MemberResolver
	snapshots *services.SnapshotService
	moods     *services.MoodService
	games     *services.GameService
	stars     *services.StarService
	drawings  *services.DrawingService
	pokes     *services.PokeService
}

// NewCoupleHandler creates a new couple handler
func NewCoupleHandler(
	members *services.MemberResolver,
	snapshots *services.SnapshotService,
	moods *services.MoodService,
	games *services.GameService,
	stars *services.StarService,
	drawings *services.DrawingService,
	pokes *services.PokeService,
) *CoupleHandler {
	return &CoupleHandler{
		members:   members,
		snapshots: snapshots,
		moods:     moods,
		games:     games,
		stars:     stars,
		drawings:  drawings,
		pokes:     pokes,
	}
}

// member resolves the caller's couple or writes the error response.
func (h *CoupleHandler) member(w http.ResponseWriter, r *http.Request) (*services.Member, bool) {
	member, err := h.members.Resolve(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondAppError(w, r, err)
		return nil, false
	}
	return member, true
}

// State handles GET /api/v1/couple/state
func (h *CoupleHandler) State(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	snap, err := h.snapshots.Snapshot(r.Context(), member.CoupleID)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// MoodRequest represents the request body for setting a mood
type MoodRequest struct {
	Mood models.MoodType `json:"mood"`
}

// SetMood handles PUT /api/v1/mood
func (h *CoupleHandler) SetMood(w http.ResponseWriter, r *http.Request) {
	var req MoodRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mood, err := h.moods.SetMood(r.Context(), middleware.GetUserID(r.Context()), req.Mood)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, mood)
}

// Score handles GET /api/v1/game/score
func (h *CoupleHandler) Score(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	score, err := h.games.Score(r.Context(), member)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, score)
}

// RecordRound handles POST /api/v1/game/rounds
func (h *CoupleHandler) RecordRound(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	var req services.RoundResult
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome, err := h.games.RecordRound(r.Context(), member, req)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// SettleRound handles POST /api/v1/game/rounds/settle
func (h *CoupleHandler) SettleRound(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	var req services.RoundResult
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome, err := h.games.SettleRound(r.Context(), member, req)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// ListStars handles GET /api/v1/stars
func (h *CoupleHandler) ListStars(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	stars, err := h.stars.List(r.Context(), member)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"stars": stars})
}

// PlantStar handles POST /api/v1/stars
func (h *CoupleHandler) PlantStar(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	var req services.PlantStarRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	star, err := h.stars.Plant(r.Context(), member, req)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, star)
}

// DeleteStar handles DELETE /api/v1/stars/{id}
func (h *CoupleHandler) DeleteStar(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	if err := h.stars.Delete(r.Context(), member, chi.URLParam(r, "id")); err != nil {
		respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDrawings handles GET /api/v1/drawings
func (h *CoupleHandler) ListDrawings(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	drawings, err := h.drawings.ListSnapshots(r.Context(), member)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"drawings": drawings})
}

// SaveDrawingRequest carries a base64 PNG of the canvas
type SaveDrawingRequest struct {
	Image string `json:"image"`
}

// SaveDrawing handles POST /api/v1/drawings
func (h *CoupleHandler) SaveDrawing(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	var req SaveDrawingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	drawing, err := h.drawings.SaveSnapshot(r.Context(), member, req.Image)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, drawing)
}

// Poke handles POST /api/v1/pokes
func (h *CoupleHandler) Poke(w http.ResponseWriter, r *http.Request) {
	member, ok := h.member(w, r)
	if !ok {
		return
	}
	result, err := h.pokes.Poke(r.Context(), member)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
