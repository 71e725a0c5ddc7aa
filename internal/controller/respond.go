package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/logx"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	var (
		validation   *appErrors.ErrValidation
		notFound     *appErrors.ErrNotFound
		unauthorized *appErrors.ErrUnauthorized
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes {"error": ...}. Internal errors are logged and their
// detail is not returned to the caller.
func WriteError(w http.ResponseWriter, log logx.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", logx.Err(err))
		msg = "internal server error"
	}
	WriteJSON(w, status, map[string]any{"success": false, "error": msg})
}
