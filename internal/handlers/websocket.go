package handlers

import (
	"net/http"

	"snapfeed-backend/internal/auth"
	"snapfeed-backend/internal/middleware"
	"snapfeed-backend/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // mobile clients send no Origin
	},
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub      *services.WSHub
	provider auth.Provider
	deps     services.SessionDeps
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *services.WSHub, provider auth.Provider, deps services.SessionDeps) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		provider: provider,
		deps:     deps,
	}
}

// HandleWebSocket handles GET /ws?token=...
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.ValidateWebSocketToken(r.Context(), r.URL.Query().Get("token"), h.provider)
	if err != nil {
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := services.NewClient(userID, conn)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")

	if err := services.NewSession(h.deps, client).Run(r.Context()); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("WebSocket session failed")
	}
}
