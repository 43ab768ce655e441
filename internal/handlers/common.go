package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"snapfeed-backend/internal/compose"
	"snapfeed-backend/internal/post"
	"snapfeed-backend/internal/services"
)

// Store is the realtime tree as used by the HTTP handlers
type Store interface {
	services.Store
	GenerateKey(path string) string
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, post.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, post.ErrInvalidState), errors.Is(err, compose.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, post.ErrEmptyTitle), errors.Is(err, compose.ErrEmptyTitle), errors.Is(err, post.ErrNotConfirmed):
		return http.StatusBadRequest
	case errors.Is(err, compose.ErrNotImage):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}
