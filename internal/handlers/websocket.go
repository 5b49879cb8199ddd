package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/middleware"
	"portal-backend/internal/reconcile"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // native clients send no Origin
	},
}

// wsSink writes frames to one connection. gorilla/websocket allows a
// single concurrent writer.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(f reconcile.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WebSocketHandler runs one reconciling session per connection
type WebSocketHandler struct {
	auth middleware.Authenticator
	deps reconcile.Deps
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(auth middleware.Authenticator, deps reconcile.Deps) *WebSocketHandler {
	return &WebSocketHandler{
		auth: auth,
		deps: deps,
	}
}

// HandleWebSocket handles GET /ws?token=...
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, "token required", http.StatusUnauthorized)
		return
	}

	userID, err := h.auth.CurrentAccount(r.Context(), token)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(middleware.WithAccount(r.Context(), userID, token))
	defer cancel()

	sink := &wsSink{conn: conn}
	session := reconcile.NewSession(userID, h.deps, sink)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Session stopped")
		}
		// unblocks the reader
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		keepAlive(ctx, sink)
	}()

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")
	h.readLoop(ctx, conn, sink, session, userID)

	cancel()
	wg.Wait()
	log.Info().Str("user_id", userID).Msg("WebSocket connection closed")
}

// readLoop performs client actions in order until the connection fails.
func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, sink *wsSink, session *reconcile.Session, userID string) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("user_id", userID).Msg("WebSocket error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var action reconcile.Action
		if err := json.Unmarshal(messageBytes, &action); err != nil {
			sink.Send(reconcile.Frame{Type: reconcile.FrameError, Data: reconcile.ErrorFrame{
				Kind:    string(apperr.KindInvalidArgument),
				Message: "Invalid message format",
			}})
			continue
		}

		if err := session.Do(ctx, action); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Str("type", action.Type).Msg("Action failed")
		}
	}
}

func keepAlive(ctx context.Context, sink *wsSink) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		}
	}
}
