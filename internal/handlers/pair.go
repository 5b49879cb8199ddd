package handlers

import (
	"net/http"

	"portal-backend/internal/middleware"
	"portal-backend/internal/pairing"

	"github.com/rs/zerolog/log"
)

// PairHandler handles pair-related HTTP requests
type PairHandler struct {
	engine *pairing.Engine
}

// NewPairHandler creates a new pair handler
func NewPairHandler(engine *pairing.Engine) *PairHandler {
	return &PairHandler{
		engine: engine,
	}
}

// CreatePairRequest represents the request body for redeeming a code
type CreatePairRequest struct {
	Code string `json:"code"`
}

// CreatePairResponse is returned after a successful pairing
type CreatePairResponse struct {
	CoupleID string `json:"couple_id"`
}

// CreatePair handles POST /api/v1/pairs
func (h *PairHandler) CreatePair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req CreatePairRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	coupleID, err := h.engine.Redeem(ctx, userID, req.Code)
	if err != nil {
		log.Info().
			Err(err).
			Str("user_id", userID).
			Msg("Pairing rejected")
		respondAppError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, CreatePairResponse{CoupleID: coupleID})
}
