package handlers

import (
	"net/http"

	"snapfeed-backend/internal/feed"
	"snapfeed-backend/internal/middleware"
	"snapfeed-backend/internal/models"

	"github.com/rs/zerolog/log"
)

// FeedHandler serves one-shot feed reads
type FeedHandler struct {
	store Store
}

// NewFeedHandler creates a new feed handler
func NewFeedHandler(store Store) *FeedHandler {
	return &FeedHandler{store: store}
}

type feedResponse struct {
	Posts []models.Post `json:"posts"`
	Total int           `json:"total"`
}

// GetFeed handles GET /api/v1/feed
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	posts, err := feed.NewAggregator(h.store, userID).Load(ctx)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to load feed")
		respondError(w, "Failed to load feed", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, feedResponse{Posts: posts, Total: len(posts)})
}

// GetMyPosts handles GET /api/v1/users/me/posts
func (h *FeedHandler) GetMyPosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	posts, err := feed.NewOwnPostsAggregator(h.store, userID).Load(ctx)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to load own posts")
		respondError(w, "Failed to load posts", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, feedResponse{Posts: posts, Total: len(posts)})
}
