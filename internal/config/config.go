package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration shared by every binary.
type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	Database    DatabaseConfig    `json:"database"`
	SMTP        SMTPConfig        `json:"smtp"`
	AMQP        AMQPConfig        `json:"amqp"`
	Limits      LimitsConfig      `json:"limits"`
	Worker      WorkerConfig      `json:"worker"`
	Queue       QueueConfig       `json:"queue"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Log         LogConfig         `json:"log"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type DatabaseConfig struct {
	URL      string `json:"url"`
	User     string `json:"user"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Name     string `json:"name"`
	SSLMode  string `json:"sslmode"`
}

// DSN returns URL when set, otherwise a postgres URL built from the parts.
func (d DatabaseConfig) DSN() string {
	if strings.TrimSpace(d.URL) != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	FromName string `json:"from_name"`
	TLS      bool   `json:"tls"`
}

func (s SMTPConfig) Enabled() bool { return strings.TrimSpace(s.Host) != "" }

type AMQPConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

func (a AMQPConfig) Enabled() bool { return strings.TrimSpace(a.URL) != "" }

// LimitsConfig holds the two independent dispatch knobs: the per-sender cap
// per window and the pool-wide minimum spacing between dispatches.
type LimitsConfig struct {
	MaxPerWindow int      `json:"max_per_window"`
	Window       Duration `json:"window"`
	MinDelay     Duration `json:"min_delay"`
	ThrottleMode string   `json:"throttle_mode"` // shared | local
	MaxBatchSize int      `json:"max_batch_size"`
}

type WorkerConfig struct {
	Concurrency  int      `json:"concurrency"`
	PollInterval Duration `json:"poll_interval"`
}

type QueueConfig struct {
	MaxAttempts      int      `json:"max_attempts"`
	BackoffBase      Duration `json:"backoff_base"`
	BackoffMax       Duration `json:"backoff_max"`
	LeaseTimeout     Duration `json:"lease_timeout"`
	KeepCompleted    int      `json:"keep_completed"`
	KeepCompletedFor Duration `json:"keep_completed_for"`
	KeepDead         int      `json:"keep_dead"`
}

type MaintenanceConfig struct {
	ReconcileSchedule string   `json:"reconcile_schedule"`
	ReconcileGrace    Duration `json:"reconcile_grace"`
	ReconcileBatch    int      `json:"reconcile_batch"`
	PruneSchedule     string   `json:"prune_schedule"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			Name:    "email_scheduler",
			SSLMode: "disable",
		},
		SMTP: SMTPConfig{Port: 587, FromName: "Email Scheduler"},
		AMQP: AMQPConfig{Exchange: "email.events"},
		Limits: LimitsConfig{
			MaxPerWindow: 100,
			Window:       Duration(time.Hour),
			MinDelay:     Duration(2 * time.Second),
			ThrottleMode: "shared",
			MaxBatchSize: 10000,
		},
		Worker: WorkerConfig{
			Concurrency:  5,
			PollInterval: Duration(500 * time.Millisecond),
		},
		Queue: QueueConfig{
			MaxAttempts:      3,
			BackoffBase:      Duration(2 * time.Second),
			LeaseTimeout:     Duration(2 * time.Minute),
			KeepCompleted:    100,
			KeepCompletedFor: Duration(24 * time.Hour),
			KeepDead:         1000,
		},
		Maintenance: MaintenanceConfig{
			ReconcileSchedule: "@every 1m",
			ReconcileGrace:    Duration(time.Minute),
			ReconcileBatch:    500,
			PruneSchedule:     "@every 10m",
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds a Config from defaults, the optional file at path, then the
// process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	jb, format, err := coerceToJSONBytes(path, b)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decode %s config %s: %w", format, path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config %s: trailing data", path)
		}
		return err
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
	}
	millis := func(key string, dst *Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = Duration(time.Duration(n) * time.Millisecond)
	}
	dur := func(key string, dst *Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := ParseDurationField(key, v)
		if err != nil {
			errs = append(errs, err.Error())
			return
		}
		*dst = Duration(d)
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = b
	}

	str("HTTP_ADDR", &c.HTTP.Addr)

	str("DATABASE_URL", &c.Database.URL)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_HOST", &c.Database.Host)
	str("DB_PORT", &c.Database.Port)
	str("DB_NAME", &c.Database.Name)
	str("DB_SSLMODE", &c.Database.SSLMode)

	str("SMTP_HOST", &c.SMTP.Host)
	num("SMTP_PORT", &c.SMTP.Port)
	str("SMTP_USER", &c.SMTP.User)
	str("SMTP_PASS", &c.SMTP.Password)
	str("SMTP_FROM_NAME", &c.SMTP.FromName)
	boolean("SMTP_TLS", &c.SMTP.TLS)

	str("AMQP_URL", &c.AMQP.URL)
	str("AMQP_EXCHANGE", &c.AMQP.Exchange)

	num("MAX_EMAILS_PER_HOUR", &c.Limits.MaxPerWindow)
	dur("RATE_WINDOW", &c.Limits.Window)
	millis("MIN_DELAY_MS", &c.Limits.MinDelay)
	str("THROTTLE_MODE", &c.Limits.ThrottleMode)
	num("MAX_BATCH_SIZE", &c.Limits.MaxBatchSize)

	num("WORKER_CONCURRENCY", &c.Worker.Concurrency)
	dur("POLL_INTERVAL", &c.Worker.PollInterval)

	num("MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	millis("RETRY_BACKOFF_MS", &c.Queue.BackoffBase)
	dur("LEASE_TIMEOUT", &c.Queue.LeaseTimeout)

	str("RECONCILE_SCHEDULE", &c.Maintenance.ReconcileSchedule)
	dur("RECONCILE_GRACE", &c.Maintenance.ReconcileGrace)
	str("PRUNE_SCHEDULE", &c.Maintenance.PruneSchedule)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects values the dispatch pipeline cannot run with.
func (c Config) Validate() error {
	var errs []string
	if c.Limits.MaxPerWindow <= 0 {
		errs = append(errs, "limits.max_per_window must be > 0")
	}
	if c.Limits.Window.D() <= 0 {
		errs = append(errs, "limits.window must be > 0")
	}
	if c.Limits.MinDelay.D() <= 0 {
		errs = append(errs, "limits.min_delay must be > 0")
	}
	switch c.Limits.ThrottleMode {
	case "shared", "local":
	default:
		errs = append(errs, fmt.Sprintf("limits.throttle_mode %q must be shared or local", c.Limits.ThrottleMode))
	}
	if c.Limits.MaxBatchSize <= 0 {
		errs = append(errs, "limits.max_batch_size must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, "worker.concurrency must be > 0")
	}
	if c.Worker.PollInterval.D() <= 0 {
		errs = append(errs, "worker.poll_interval must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.max_attempts must be > 0")
	}
	if c.Queue.BackoffBase.D() <= 0 {
		errs = append(errs, "queue.backoff_base must be > 0")
	}
	if c.Queue.LeaseTimeout.D() <= 0 {
		errs = append(errs, "queue.lease_timeout must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
