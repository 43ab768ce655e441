package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"snapfeed-backend/internal/blob"
	"snapfeed-backend/internal/compose"
	"snapfeed-backend/internal/middleware"
	"snapfeed-backend/internal/models"
	"snapfeed-backend/internal/notify"
	"snapfeed-backend/internal/post"
	"snapfeed-backend/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// maxUploadSize bounds a multipart post body
const maxUploadSize = 20 << 20

// PostHandler handles post creation and interactions over HTTP
type PostHandler struct {
	store    Store
	blobs    blob.Store
	notifier notify.Notifier
	hub      *services.WSHub
}

// NewPostHandler creates a new post handler
func NewPostHandler(store Store, blobs blob.Store, notifier notify.Notifier, hub *services.WSHub) *PostHandler {
	return &PostHandler{
		store:    store,
		blobs:    blobs,
		notifier: notifier,
		hub:      hub,
	}
}

type createPostResponse struct {
	PostKey string       `json:"post_key"`
	Step    compose.Step `json:"step"`
}

// CreatePost handles POST /api/v1/posts. The text is published before the
// response; upload progress of an attached photo is pushed over WebSocket.
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	composer := compose.New(h.store, h.blobs, userID, compose.WithStatus(func(st compose.Status) {
		msg := services.WSMessage{Type: services.MsgUploadProgress, UserID: userID, PostKey: st.Key, Data: st}
		if err := h.hub.SendToUser(userID, msg); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("Upload progress not delivered")
		}
	}))
	composer.SetTitle(r.FormValue("title"))

	file, header, err := r.FormFile("photo")
	switch {
	case err == nil:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			respondError(w, "Failed to read photo", http.StatusBadRequest)
			return
		}
		if err := composer.AttachPhoto(header.Filename, data); err != nil {
			respondError(w, err.Error(), statusFor(err))
			return
		}
	case !errors.Is(err, http.ErrMissingFile):
		respondError(w, "Failed to read photo", http.StatusBadRequest)
		return
	}

	saga, err := composer.Submit(ctx)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to create post")
		respondError(w, err.Error(), statusFor(err))
		return
	}

	respondJSON(w, http.StatusCreated, createPostResponse{PostKey: saga.Key(), Step: saga.Step()})
}

type likeResponse struct {
	Liked bool `json:"liked"`
}

// ToggleLike handles POST /api/v1/posts/{user_id}/{post_key}/like
func (h *PostHandler) ToggleLike(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	viewerID := middleware.GetUserID(ctx)

	p, ok := h.loadPost(w, r, chi.URLParam(r, "user_id"), chi.URLParam(r, "post_key"))
	if !ok {
		return
	}

	i := post.New(h.store, h.blobs, viewerID, p, post.WithLikeHook(func(ctx context.Context, p models.Post) {
		go h.notifier.LikeReceived(context.WithoutCancel(ctx), p, viewerID)
	}))
	liked, err := i.ToggleLike(ctx)
	if err != nil {
		respondError(w, "Failed to toggle like", statusFor(err))
		return
	}

	respondJSON(w, http.StatusOK, likeResponse{Liked: liked})
}

type editPostRequest struct {
	Title string `json:"title"`
}

// EditPost handles PATCH /api/v1/posts/{post_key}
func (h *PostHandler) EditPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req editPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	p, ok := h.loadPost(w, r, userID, chi.URLParam(r, "post_key"))
	if !ok {
		return
	}

	i := post.New(h.store, h.blobs, userID, p)
	err := i.BeginEdit()
	if err == nil {
		err = i.SetEditText(req.Title)
	}
	if err == nil {
		err = i.SaveEdit(ctx)
	}
	if err != nil {
		respondError(w, err.Error(), statusFor(err))
		return
	}

	respondJSON(w, http.StatusOK, i.View())
}

// DeletePost handles DELETE /api/v1/posts/{post_key}. The request itself
// is the confirmation.
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	p, ok := h.loadPost(w, r, userID, chi.URLParam(r, "post_key"))
	if !ok {
		return
	}

	i := post.New(h.store, h.blobs, userID, p)
	if err := i.Delete(ctx, func() bool { return true }); err != nil {
		respondError(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *PostHandler) loadPost(w http.ResponseWriter, r *http.Request, userID, postKey string) (models.Post, bool) {
	if !models.ValidKey(userID) || !models.ValidKey(postKey) {
		respondError(w, "Invalid post path", http.StatusBadRequest)
		return models.Post{}, false
	}

	snap, err := h.store.Get(r.Context(), models.PostPath(userID, postKey))
	if err != nil {
		respondError(w, "Invalid post path", http.StatusBadRequest)
		return models.Post{}, false
	}
	if !snap.Exists() {
		respondError(w, "Post not found", http.StatusNotFound)
		return models.Post{}, false
	}

	var p models.Post
	if err := snap.Decode(&p); err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("post_key", postKey).Msg("Failed to decode post")
		respondError(w, "Failed to read post", http.StatusInternalServerError)
		return models.Post{}, false
	}
	p.UserID, p.Key = userID, postKey
	return p, true
}
