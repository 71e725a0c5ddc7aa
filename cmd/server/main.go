// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/unclebandit/email-scheduler/internal/app"
	"github.com/unclebandit/email-scheduler/internal/controller"
	"github.com/unclebandit/email-scheduler/internal/handler"
	"github.com/unclebandit/email-scheduler/internal/logx"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, app.ConfigPath(), true)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer deps.Close()

	pub, closePub := deps.Publisher()
	defer closePub()

	scheduler := deps.Scheduler(pub)
	router := handler.NewRouter(handler.RouterConfig{
		Emails: &controller.EmailController{
			Scheduler:    scheduler,
			DefaultDelay: deps.Cfg.Limits.MinDelay.D(),
			Log:          deps.Log.With(logx.String("component", "http")),
		},
		Details: handler.NewEmailHandler(scheduler, deps.Log),
		Users:   deps.Users,
		DB:      deps.DB,
		Log:     deps.Log,
	})

	srv := &http.Server{
		Addr:              deps.Cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Log.Info("server listening", logx.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			deps.Log.Error("server stopped", logx.Err(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		deps.Log.Error("shutdown", logx.Err(err))
	}
	deps.Log.Info("server stopped")
}
