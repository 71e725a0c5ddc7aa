package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/email-scheduler/internal/controller"
	"github.com/unclebandit/email-scheduler/internal/logx"
)

type RouterConfig struct {
	Emails  *controller.EmailController
	Details *EmailHandler
	Users   controller.UserLookup
	DB      Pinger
	Log     logx.Logger
}

// NewRouter wires every HTTP route. All routes except /healthz need a
// resolved caller.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", Health(cfg.DB, cfg.Log))

	r.Group(func(r chi.Router) {
		r.Use(controller.Identity(cfg.Users, cfg.Log))

		// Email routes
		r.Post("/emails/schedule", cfg.Emails.ScheduleEmails)
		r.Get("/emails/scheduled", cfg.Emails.ListScheduled)
		r.Get("/emails/sent", cfg.Emails.ListSent)
		r.Get("/emails/{id}", cfg.Details.GetEmailHandler)

		r.Get("/stats", cfg.Details.StatsHandler)
	})
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
