package services

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// WSMessage represents a WebSocket message in either direction
type WSMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	PostKey   string `json:"post_key,omitempty"`
	Text      string `json:"text,omitempty"`
	Confirm   bool   `json:"confirm,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Message types
const (
	MsgFeed           = "feed"
	MsgMyFeed         = "my_feed"
	MsgPostState      = "post_state"
	MsgUploadProgress = "upload_progress"
	MsgAck            = "ack"
	MsgError          = "error"

	MsgWatchPost   = "watch_post"
	MsgUnwatchPost = "unwatch_post"
	MsgToggleLike  = "toggle_like"
	MsgBeginEdit   = "begin_edit"
	MsgSetEditText = "set_edit_text"
	MsgCancelEdit  = "cancel_edit"
	MsgSaveEdit    = "save_edit"
	MsgDeletePost  = "delete_post"
)

// WSHub manages WebSocket connections. A user may be connected from
// several devices at once.
type WSHub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Register registers a new WebSocket connection for a user
func (h *WSHub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.clients[c.userID] = conns
	}
	conns[c] = struct{}{}

	log.Info().Str("user_id", c.userID).Int("connections", len(conns)).Msg("WebSocket connection registered")
}

// Unregister removes a WebSocket connection
func (h *WSHub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
	c.Close()
	log.Info().Str("user_id", c.userID).Int("connections", len(conns)).Msg("WebSocket connection unregistered")
}

// SendToUser sends a message to every connection of a user
func (h *WSHub) SendToUser(userID string, message WSMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("user %s is not connected", userID)
	}
	for _, c := range conns {
		if err := c.enqueue(data); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Dropping slow WebSocket connection")
			h.Unregister(c)
		}
	}
	return nil
}

// IsOnline checks if a user has at least one connection
func (h *WSHub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// DisconnectUser closes every connection of a user, used on sign-out
func (h *WSHub) DisconnectUser(userID string) {
	h.mu.Lock()
	conns := h.clients[userID]
	delete(h.clients, userID)
	h.mu.Unlock()

	for c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		log.Info().Str("user_id", userID).Int("connections", len(conns)).Msg("WebSocket connections closed")
	}
}

// Close closes every connection
func (h *WSHub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, conns := range all {
		for c := range conns {
			c.Close()
		}
	}
}
