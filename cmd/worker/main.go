package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/unclebandit/email-scheduler/internal/app"
	"github.com/unclebandit/email-scheduler/internal/config"
	"github.com/unclebandit/email-scheduler/internal/logx"
)

func main() {
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

	throttle := deps.Throttle()
	dispatcher := deps.Dispatcher(pub, throttle)

	sweeps, err := app.NewMaintenanceCron(ctx, deps.Cfg.Maintenance, app.MaintenanceJobs{
		Reconciler:  deps.Reconciler(pub),
		Maintenance: deps.Maintenance(),
	}, deps.Log.With(logx.String("component", "cron")))
	if err != nil {
		deps.Log.Error("maintenance schedule", logx.Err(err))
		return
	}
	sweeps.Start()
	defer func() { <-sweeps.Stop().Done() }()

	if path := app.ConfigPath(); path != "" {
		go func() {
			err := config.Watch(ctx, path, 500*time.Millisecond, deps.Log, func(cfg config.Config) {
				app.ApplyLimits(cfg.Limits, deps.Limiter, throttle, deps.Log)
			})
			if err != nil {
				deps.Log.Warn("config watch stopped", logx.Err(err))
			}
		}()
	}

	deps.Log.Info("worker running, waiting for due emails...",
		logx.String("throttle", deps.Cfg.Limits.ThrottleMode),
		logx.Int("max_per_window", deps.Cfg.Limits.MaxPerWindow),
		logx.Duration("window", deps.Cfg.Limits.Window.D()),
	)
	dispatcher.Run(ctx)
}
