package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"snapfeed-backend/internal/auth"
	"snapfeed-backend/internal/middleware"
	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/services"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TokenIssuer mints tokens for new users. Only the jwt provider has one.
type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// Devices stores push tokens
type Devices interface {
	UpdatePushToken(ctx context.Context, userID, pushToken string) error
	DeletePushToken(ctx context.Context, userID string) error
}

// UserHandler handles user-related HTTP requests
type UserHandler struct {
	store    Store
	provider auth.Provider
	issuer   TokenIssuer
	devices  Devices
	hub      *services.WSHub
}

// NewUserHandler creates a new user handler. issuer may be nil when users
// are created by an external identity provider.
func NewUserHandler(store Store, provider auth.Provider, issuer TokenIssuer, devices Devices, hub *services.WSHub) *UserHandler {
	return &UserHandler{
		store:    store,
		provider: provider,
		issuer:   issuer,
		devices:  devices,
		hub:      hub,
	}
}

type createUserRequest struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

type createUserResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// CreateUser handles POST /api/v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.issuer == nil {
		respondError(w, "Users are created by the identity provider", http.StatusNotImplemented)
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Firstname = strings.TrimSpace(req.Firstname)
	req.Lastname = strings.TrimSpace(req.Lastname)
	if req.Firstname == "" {
		respondError(w, "firstname is required", http.StatusBadRequest)
		return
	}

	user := models.User{ID: uuid.NewString(), Firstname: req.Firstname, Lastname: req.Lastname}
	if err := h.store.Set(ctx, models.UserPath(user.ID), user); err != nil {
		log.Error().Err(err).Msg("Failed to create user")
		respondError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	token, err := h.issuer.Issue(user.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to issue token")
		respondError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	log.Info().Str("user_id", user.ID).Msg("User created")
	respondJSON(w, http.StatusCreated, createUserResponse{ID: user.ID, Token: token})
}

// GetMe handles GET /api/v1/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	user, ok := h.loadUser(w, r, userID)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, user)
}

type updateUserRequest struct {
	Firstname *string `json:"firstname"`
	Lastname  *string `json:"lastname"`
	PhotoURL  *string `json:"photoURL"`
}

// UpdateMe handles PUT /api/v1/users/me. With an external identity
// provider this is also how the user record is first created.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	fields := map[string]any{"id": userID}
	if req.Firstname != nil {
		fields["firstname"] = strings.TrimSpace(*req.Firstname)
	}
	if req.Lastname != nil {
		fields["lastname"] = strings.TrimSpace(*req.Lastname)
	}
	if req.PhotoURL != nil {
		fields["photoURL"] = *req.PhotoURL
	}

	if err := h.store.Update(ctx, models.UserPath(userID), fields); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to update user")
		respondError(w, "Failed to update user", http.StatusInternalServerError)
		return
	}

	user, ok := h.loadUser(w, r, userID)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, user)
}

type pushTokenRequest struct {
	PushToken string `json:"push_token"`
}

// RegisterPushToken handles POST /api/v1/users/me/push-token
func (h *UserHandler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req pushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PushToken == "" {
		respondError(w, "push_token is required", http.StatusBadRequest)
		return
	}

	if err := h.devices.UpdatePushToken(ctx, userID, req.PushToken); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to register push token")
		respondError(w, "Failed to register push token", http.StatusInternalServerError)
		return
	}

	log.Info().Str("user_id", userID).Msg("Push token registered")
	w.WriteHeader(http.StatusNoContent)
}

// SignOut handles POST /api/v1/auth/signout
func (h *UserHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	if err := h.provider.SignOut(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to sign out")
		respondError(w, "Failed to sign out", http.StatusInternalServerError)
		return
	}
	if err := h.devices.DeletePushToken(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to forget push token")
	}
	h.hub.DisconnectUser(userID)

	log.Info().Str("user_id", userID).Msg("User signed out")
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) loadUser(w http.ResponseWriter, r *http.Request, userID string) (models.User, bool) {
	snap, err := h.store.Get(r.Context(), models.UserPath(userID))
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to read user")
		respondError(w, "Failed to read user", http.StatusInternalServerError)
		return models.User{}, false
	}
	if !snap.Exists() {
		respondError(w, "User not found", http.StatusNotFound)
		return models.User{}, false
	}

	var user models.User
	if err := snap.Decode(&user); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to decode user")
		respondError(w, "Failed to read user", http.StatusInternalServerError)
		return models.User{}, false
	}
	user.ID = userID
	return user, true
}
