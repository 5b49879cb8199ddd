package handlers

import (
	"net/http"

	"portal-backend/internal/middleware"
	"portal-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// AccountHandler handles account-related HTTP requests
type AccountHandler struct {
	accounts *services.AccountService
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(accounts *services.AccountService) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
	}
}

// CreateAccount handles POST /api/v1/accounts
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req services.CreateAccountRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), req)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, account)
}

// SignOut handles POST /api/v1/session/sign-out
func (h *AccountHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	if err := h.accounts.SignOut(ctx, userID, middleware.GetToken(ctx)); err != nil {
		respondAppError(w, r, err)
		return
	}

	log.Info().Str("user_id", userID).Msg("Signed out")
	w.WriteHeader(http.StatusNoContent)
}

// GetMe handles GET /api/v1/me
func (h *AccountHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	me, err := h.accounts.GetMe(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, me)
}

// UpdateSettings handles PATCH /api/v1/me/settings
func (h *AccountHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req services.SettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.accounts.UpdateSettings(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// PushTokenRequest represents the request body for storing a device token
type PushTokenRequest struct {
	Token string `json:"token"`
}

// UpdatePushToken handles PUT /api/v1/me/push-token
func (h *AccountHandler) UpdatePushToken(w http.ResponseWriter, r *http.Request) {
	var req PushTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.accounts.UpdatePushToken(r.Context(), middleware.GetUserID(r.Context()), req.Token); err != nil {
		respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Countdown handles GET /api/v1/me/countdown
func (h *AccountHandler) Countdown(w http.ResponseWriter, r *http.Request) {
	countdown, err := h.accounts.Countdown(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, countdown)
}
