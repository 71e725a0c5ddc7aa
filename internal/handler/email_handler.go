// internal/handler/email_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/email-scheduler/internal/controller"
	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/service"
)

// EmailHandler serves per-email diagnostics and operational endpoints.
type EmailHandler struct {
	Service *service.SchedulerService
	Log     logx.Logger
}

// NewEmailHandler creates a new EmailHandler backed by svc
func NewEmailHandler(svc *service.SchedulerService, log logx.Logger) *EmailHandler {
	return &EmailHandler{Service: svc, Log: log}
}

// GetEmailHandler returns one of the caller's emails with its queue task.
func (h *EmailHandler) GetEmailHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := controller.UserFrom(r.Context())
	if !ok {
		controller.WriteError(w, h.Log, appErrors.NewUnauthorized("no user on request"))
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		controller.WriteError(w, h.Log, appErrors.NewValidation("id", "must be a positive integer"))
		return
	}

	detail, err := h.Service.GetEmail(r.Context(), user.ID, id)
	if err != nil {
		controller.WriteError(w, h.Log, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, detail)
}

// StatsHandler reports queue counts and the caller's usage.
func (h *EmailHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := controller.UserFrom(r.Context())
	if !ok {
		controller.WriteError(w, h.Log, appErrors.NewUnauthorized("no user on request"))
		return
	}

	stats, err := h.Service.Stats(r.Context(), user.ID, user.Email)
	if err != nil {
		controller.WriteError(w, h.Log, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, stats)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health reports 200 while db answers a ping.
func Health(db Pinger, log logx.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			log.Warn("health check failed", logx.Err(err))
			controller.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		controller.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
