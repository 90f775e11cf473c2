package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/message-dispatch/internal/api"
	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/client"
	"github.com/LeventeLantos/message-dispatch/internal/config"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/retry"
	"github.com/LeventeLantos/message-dispatch/internal/scheduler"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Log))

	if err := run(cfg); err != nil {
		slog.Error("dispatcher exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messages, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	policy, err := retry.NewPolicy(retry.Config{
		Base:       cfg.Retry.Base,
		Multiplier: cfg.Retry.Multiplier,
		MaxDelay:   cfg.Retry.MaxDelay,
		Retryable:  retry.DefaultRetryable(),
	})
	if err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}

	opts := []service.Option{
		service.WithLogger(slog.Default()),
		service.WithStuckTimeout(cfg.Reclaimer.StuckTimeout),
	}
	engine := service.NewEngine(messages, policy, opts...)
	resolver := service.NewResolver(messages, cfg.Retry.DefaultMaxRetries, opts...)
	reclaimer := service.NewReclaimer(engine, cfg.Reclaimer.BatchSize)

	webhook := client.NewWebhookClient(cfg.Webhook.URL, cfg.Webhook.Timeout)
	dispatcher := service.NewDispatcher(engine, webhook, cfg.Worker.ID, cfg.Webhook.ContentMax, cfg.Scheduler.BatchSize)

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, running without sent receipts", "addr", cfg.Redis.Address, "error", err)
		} else {
			dispatcher.WithReceipts(cache.NewRedisCache(rdb, cfg.Redis.TTL))
		}
	}

	dispatchLoop, err := scheduler.New("dispatch", cfg.Scheduler.Interval, dispatcher.Tick)
	if err != nil {
		return err
	}
	reclaimLoop, err := scheduler.New("reclaim", cfg.Reclaimer.Interval, reclaimer.Tick)
	if err != nil {
		return err
	}

	handler := api.NewHandler(resolver, engine, reclaimer, dispatchLoop, reclaimLoop)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchLoop.Start()
	reclaimLoop.Start()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("dispatcher starting",
			"addr", cfg.Server.Address,
			"store", cfg.Database.Store,
			"worker", cfg.Worker.ID,
			"interval", cfg.Scheduler.Interval.String(),
			"batch", cfg.Scheduler.BatchSize,
			"redis", cfg.Redis.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			dispatchLoop.Stop()
			reclaimLoop.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	dispatchLoop.Stop()
	reclaimLoop.Stop()

	slog.Info("dispatcher stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (repo.MessageRepository, func(), error) {
	if cfg.Store == config.StoreMemory {
		slog.Warn("using in-memory store, records are lost on exit")
		return repo.NewMemoryMessageRepo(), func() {}, nil
	}

	db, err := repo.OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := repo.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return repo.NewPostgresMessageRepo(db), func() { _ = db.Close() }, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
