// Package app builds the shared runtime graph used by every binary.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/unclebandit/email-scheduler/internal/clock"
	"github.com/unclebandit/email-scheduler/internal/config"
	"github.com/unclebandit/email-scheduler/internal/db"
	"github.com/unclebandit/email-scheduler/internal/events"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/mailer"
	"github.com/unclebandit/email-scheduler/internal/queue"
	"github.com/unclebandit/email-scheduler/internal/ratelimit"
	"github.com/unclebandit/email-scheduler/internal/repository"
	"github.com/unclebandit/email-scheduler/internal/service"
)

// ConfigPathEnv names the optional config file.
const ConfigPathEnv = "CONFIG_FILE"

// ConfigPath returns the config file from the environment, or "".
func ConfigPath() string { return strings.TrimSpace(os.Getenv(ConfigPathEnv)) }

// Deps is everything a binary needs once the database is reachable.
type Deps struct {
	Cfg      config.Config
	Log      logx.Logger
	DB       *sql.DB
	Queue    *queue.PostgresQueue
	Emails   *repository.EmailRepository
	Users    *repository.UserRepository
	Counters *ratelimit.PostgresCounterStore
	Limiter  *ratelimit.Limiter
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig) logx.Logger {
	return logx.New(logx.Options{Level: cfg.Level, Format: cfg.Format, Out: os.Stderr})
}

// Bootstrap loads configuration, opens the database and, when migrate is
// set, brings the schema up to date.
func Bootstrap(ctx context.Context, configPath string, migrate bool) (*Deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := NewLogger(cfg.Log)

	conn, err := db.Open(ctx, cfg.Database.DSN(), log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if migrate {
		if err := db.Migrate(conn, log); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return New(cfg, log, conn), nil
}

// New assembles Deps around an open connection.
func New(cfg config.Config, log logx.Logger, conn *sql.DB) *Deps {
	counters := &ratelimit.PostgresCounterStore{DB: conn}
	return &Deps{
		Cfg:      cfg,
		Log:      log,
		DB:       conn,
		Queue:    queue.NewPostgresQueue(conn, QueueOptions(cfg.Queue), clock.Real{}),
		Emails:   &repository.EmailRepository{DB: conn},
		Users:    &repository.UserRepository{DB: conn},
		Counters: counters,
		Limiter:  ratelimit.NewLimiter(counters, cfg.Limits.MaxPerWindow, cfg.Limits.Window.D()),
	}
}

func QueueOptions(c config.QueueConfig) queue.Options {
	return queue.Options{
		MaxAttempts:  c.MaxAttempts,
		Backoff:      queue.Backoff{Base: c.BackoffBase.D(), Max: c.BackoffMax.D()},
		LeaseTimeout: c.LeaseTimeout.D(),
	}
}

func Retention(c config.QueueConfig) queue.RetentionPolicy {
	return queue.RetentionPolicy{
		KeepCompleted:    c.KeepCompleted,
		KeepCompletedFor: c.KeepCompletedFor.D(),
		KeepDead:         c.KeepDead,
	}
}

// Throttle returns the pool-wide dispatch spacer. "shared" coordinates
// every worker process through the database.
func (d *Deps) Throttle() ratelimit.Throttle {
	return NewThrottle(d.Cfg.Limits, &ratelimit.PostgresSlotStore{DB: d.DB})
}

func NewThrottle(c config.LimitsConfig, slots ratelimit.SlotStore) ratelimit.Throttle {
	if c.ThrottleMode == "local" || slots == nil {
		return ratelimit.NewLocalThrottle(c.MinDelay.D())
	}
	return ratelimit.NewSharedThrottle(slots, "dispatch", c.MinDelay.D(), clock.Real{})
}

// Sender delivers through SMTP when a relay is configured and only logs
// otherwise.
func (d *Deps) Sender() mailer.Sender {
	if !d.Cfg.SMTP.Enabled() {
		d.Log.Warn("SMTP_HOST not set, emails will only be logged")
		return mailer.LogSender{Log: d.Log.With(logx.String("component", "log-sender"))}
	}
	s := d.Cfg.SMTP
	return mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		FromName: s.FromName,
		TLS:      s.TLS,
	}, d.Log.With(logx.String("component", "smtp")))
}

// Publisher connects to the broker when one is configured. The returned
// func closes it.
func (d *Deps) Publisher() (events.Publisher, func()) {
	if !d.Cfg.AMQP.Enabled() {
		return events.Nop{}, func() {}
	}
	pub, err := events.DialAMQP(d.Cfg.AMQP.URL, d.Cfg.AMQP.Exchange, d.Log.With(logx.String("component", "events")))
	if err != nil {
		d.Log.Warn("event broker unavailable, events disabled", logx.Err(err))
		return events.Nop{}, func() {}
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			d.Log.Warn("close event publisher", logx.Err(err))
		}
	}
}

func (d *Deps) Scheduler(pub events.Publisher) *service.SchedulerService {
	return &service.SchedulerService{
		EmailRepo:    d.Emails,
		Queue:        d.Queue,
		Limiter:      d.Limiter,
		Events:       pub,
		Clock:        clock.Real{},
		Log:          d.Log.With(logx.String("component", "scheduler")),
		MaxBatchSize: d.Cfg.Limits.MaxBatchSize,
	}
}

func (d *Deps) Dispatcher(pub events.Publisher, throttle ratelimit.Throttle) *service.Dispatcher {
	disp := service.NewDispatcher(d.Emails, d.Queue, d.Limiter, throttle, d.Sender(), service.DispatcherOptions{
		Concurrency:  d.Cfg.Worker.Concurrency,
		PollInterval: d.Cfg.Worker.PollInterval.D(),
		ClaimTTL:     d.Cfg.Queue.LeaseTimeout.D(),
	})
	disp.Events = pub
	disp.Clock = clock.Real{}
	disp.Log = d.Log.With(logx.String("component", "dispatcher"), logx.String("dispatcher", disp.ID))
	return disp
}

func (d *Deps) Reconciler(pub events.Publisher) *service.Reconciler {
	return &service.Reconciler{
		EmailRepo: d.Emails,
		Queue:     d.Queue,
		Events:    pub,
		Clock:     clock.Real{},
		Log:       d.Log.With(logx.String("component", "reconciler")),
		Grace:     d.Cfg.Maintenance.ReconcileGrace.D(),
		Batch:     d.Cfg.Maintenance.ReconcileBatch,
	}
}

func (d *Deps) Maintenance() *service.Maintenance {
	return &service.Maintenance{
		Queue:     d.Queue,
		Counters:  d.Counters,
		Retention: Retention(d.Cfg.Queue),
		Clock:     clock.Real{},
		Log:       d.Log.With(logx.String("component", "maintenance")),
	}
}

// ApplyLimits pushes reloadable knobs into running components. Window
// length, pool size and storage settings need a restart.
func ApplyLimits(c config.LimitsConfig, limiter *ratelimit.Limiter, throttle ratelimit.Throttle, log logx.Logger) {
	if limiter != nil && limiter.Cap() != int64(c.MaxPerWindow) {
		log.Info("per-sender cap changed", logx.Int64("from", limiter.Cap()), logx.Int("to", c.MaxPerWindow))
		limiter.SetCap(c.MaxPerWindow)
	}
	if throttle != nil {
		throttle.SetInterval(c.MinDelay.D())
	}
}

func (d *Deps) Close() {
	if err := d.DB.Close(); err != nil {
		d.Log.Warn("close database", logx.Err(err))
	}
}
