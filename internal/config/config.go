package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Reclaimer ReclaimerConfig
	Retry     RetryConfig
	Webhook   WebhookConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Address string
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type DatabaseConfig struct {
	Store       string
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
}

type ReclaimerConfig struct {
	Interval     time.Duration
	StuckTimeout time.Duration
	BatchSize    int
}

type RetryConfig struct {
	Base              time.Duration
	Multiplier        float64
	MaxDelay          time.Duration
	DefaultMaxRetries int
}

type WebhookConfig struct {
	URL        string
	ContentMax int
	Timeout    time.Duration
}

type WorkerConfig struct {
	ID string
}

// LoadAll reads the whole configuration from the environment and reports
// every problem it finds at once.
func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		},
	}

	var err error

	cfg.Database.Store = strings.ToLower(getEnv("STORE", StorePostgres))
	if cfg.Database.Store == StorePostgres {
		cfg.Database.PostgresURL, err = requireEnv("POSTGRES_URL")
		collect(err)
	}

	cfg.Webhook.URL, err = requireEnv("WEBHOOK_URL")
	collect(err)
	cfg.Webhook.ContentMax, err = getEnvInt("CONTENT_MAX", 160)
	collect(err)
	cfg.Webhook.Timeout, err = getEnvDuration("WEBHOOK_TIMEOUT_SECONDS", 10*time.Second)
	collect(err)

	cfg.Scheduler.Interval, err = getEnvDuration("SCHED_INTERVAL_SECONDS", 120*time.Second)
	collect(err)
	cfg.Scheduler.BatchSize, err = getEnvInt("SCHED_BATCH_SIZE", 2)
	collect(err)

	cfg.Reclaimer.Interval, err = getEnvDuration("RECLAIM_INTERVAL_SECONDS", 60*time.Second)
	collect(err)
	cfg.Reclaimer.StuckTimeout, err = getEnvDuration("STUCK_TIMEOUT_SECONDS", 300*time.Second)
	collect(err)
	cfg.Reclaimer.BatchSize, err = getEnvInt("RECLAIM_BATCH_SIZE", 100)
	collect(err)

	cfg.Retry.Base, err = getEnvDuration("RETRY_BASE_SECONDS", 30*time.Second)
	collect(err)
	cfg.Retry.Multiplier, err = getEnvFloat("RETRY_MULTIPLIER", 2)
	collect(err)
	cfg.Retry.MaxDelay, err = getEnvDuration("RETRY_MAX_DELAY_SECONDS", 0)
	collect(err)
	cfg.Retry.DefaultMaxRetries, err = getEnvInt("DEFAULT_MAX_RETRIES", 3)
	collect(err)

	cfg.Redis, err = loadRedisConfig()
	collect(err)

	cfg.Worker.ID = getEnv("WORKER_ID", defaultWorkerID())

	collect(validate(cfg))

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvDuration("REDIS_TTL_SECONDS", 86400*time.Second)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      ttl,
	}, joinErrors([]error{dbErr, ttlErr})
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Database.Store != StorePostgres && cfg.Database.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.Database.Store))
	}
	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Reclaimer.Interval <= 0 {
		errs = append(errs, errors.New("RECLAIM_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Reclaimer.StuckTimeout <= 0 {
		errs = append(errs, errors.New("STUCK_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Webhook.ContentMax <= 0 {
		errs = append(errs, errors.New("CONTENT_MAX must be > 0"))
	}
	if cfg.Retry.Base <= 0 {
		errs = append(errs, errors.New("RETRY_BASE_SECONDS must be > 0"))
	}
	if !(cfg.Retry.Multiplier > 1) {
		errs = append(errs, errors.New("RETRY_MULTIPLIER must be > 1"))
	}
	if cfg.Retry.MaxDelay < 0 || (cfg.Retry.MaxDelay > 0 && cfg.Retry.MaxDelay < cfg.Retry.Base) {
		errs = append(errs, errors.New("RETRY_MAX_DELAY_SECONDS must be 0 or >= RETRY_BASE_SECONDS"))
	}
	if cfg.Retry.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("DEFAULT_MAX_RETRIES must be >= 0"))
	}
	return joinErrors(errs)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid number for env %s: %s", key, v)
	}
	return f, nil
}

// getEnvDuration reads a whole number of seconds.
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid seconds for env %s: %s", key, v)
	}
	return time.Duration(i) * time.Second, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
