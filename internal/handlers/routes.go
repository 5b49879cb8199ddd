package handlers

import (
	"portal-backend/internal/middleware"

	"github.com/go-chi/chi/v5"
)

// Set groups the HTTP handlers
type Set struct {
	Accounts  *AccountHandler
	Pairs     *PairHandler
	Couple    *CoupleHandler
	WebSocket *WebSocketHandler
}

// Mount registers the REST API under /api/v1 and the WebSocket endpoint.
func (s *Set) Mount(r chi.Router, auth middleware.Authenticator) {
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/accounts", s.Accounts.CreateAccount)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(auth))

			r.Post("/session/sign-out", s.Accounts.SignOut)
			r.Get("/me", s.Accounts.GetMe)
			r.Patch("/me/settings", s.Accounts.UpdateSettings)
			r.Put("/me/push-token", s.Accounts.UpdatePushToken)
			r.Get("/me/countdown", s.Accounts.Countdown)

			r.Post("/pairs", s.Pairs.CreatePair)

			r.Get("/couple/state", s.Couple.State)
			r.Put("/mood", s.Couple.SetMood)
			r.Get("/game/score", s.Couple.Score)
			r.Post("/game/rounds", s.Couple.RecordRound)
			r.Post("/game/rounds/settle", s.Couple.SettleRound)
			r.Get("/stars", s.Couple.ListStars)
			r.Post("/stars", s.Couple.PlantStar)
			r.Delete("/stars/{id}", s.Couple.DeleteStar)
			r.Get("/drawings", s.Couple.ListDrawings)
			r.Post("/drawings", s.Couple.SaveDrawing)
			r.Post("/pokes", s.Couple.Poke)
		})
	})

	// WebSocket route, authenticated by query token
	r.Get("/ws", s.WebSocket.HandleWebSocket)
}
