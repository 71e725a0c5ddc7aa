// internal/controller/email_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/model"
	"github.com/unclebandit/email-scheduler/internal/repository"
	"github.com/unclebandit/email-scheduler/internal/service"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type EmailController struct {
	Scheduler *service.SchedulerService
	// DefaultDelay applies when a request omits delayMs.
	DefaultDelay time.Duration
	Log          logx.Logger
}

type scheduleBody struct {
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
	StartTime  string   `json:"startTime"`
	DelayMs    *int64   `json:"delayMs,omitempty"`
}

func (c *EmailController) ScheduleEmails(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		WriteError(w, c.Log, appErrors.NewUnauthorized("no user on request"))
		return
	}

	var body scheduleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, c.Log, appErrors.NewValidation("", "invalid body"))
		return
	}

	delay := c.DefaultDelay
	if body.DelayMs != nil {
		delay = time.Duration(*body.DelayMs) * time.Millisecond
	}

	result, err := c.Scheduler.ScheduleBatch(r.Context(), service.ScheduleRequest{
		UserID:     user.ID,
		Sender:     user.Email,
		Subject:    body.Subject,
		Body:       body.Body,
		Recipients: body.Recipients,
		StartTime:  body.StartTime,
		Delay:      delay,
	})
	if err != nil {
		WriteError(w, c.Log, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"scheduled": result.Scheduled,
		"emails":    result.Emails,
	})
}

func (c *EmailController) ListScheduled(w http.ResponseWriter, r *http.Request) {
	c.list(w, r, c.Scheduler.ListScheduled)
}

func (c *EmailController) ListSent(w http.ResponseWriter, r *http.Request) {
	c.list(w, r, c.Scheduler.ListSent)
}

type lister func(ctx context.Context, userID int64, page repository.Page) ([]model.Email, error)

func (c *EmailController) list(w http.ResponseWriter, r *http.Request, fetch lister) {
	user, ok := UserFrom(r.Context())
	if !ok {
		WriteError(w, c.Log, appErrors.NewUnauthorized("no user on request"))
		return
	}

	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	emails, err := fetch(r.Context(), user.ID, repository.Page{Limit: pageSize, Offset: (page - 1) * pageSize})
	if err != nil {
		WriteError(w, c.Log, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"emails":    emails,
		"page":      page,
		"page_size": pageSize,
	})
}
