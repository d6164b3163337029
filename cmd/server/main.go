// Package main is the entrypoint for the cliprelay API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/cliprelay/internal/api"
	"github.com/kiranshivaraju/cliprelay/internal/api/handler"
	mw "github.com/kiranshivaraju/cliprelay/internal/api/middleware"
	"github.com/kiranshivaraju/cliprelay/internal/api/response"
	"github.com/kiranshivaraju/cliprelay/internal/apikey"
	"github.com/kiranshivaraju/cliprelay/internal/cache"
	"github.com/kiranshivaraju/cliprelay/internal/config"
	"github.com/kiranshivaraju/cliprelay/internal/dispatch"
	"github.com/kiranshivaraju/cliprelay/internal/events"
	"github.com/kiranshivaraju/cliprelay/internal/metrics"
	"github.com/kiranshivaraju/cliprelay/internal/pipeline"
	"github.com/kiranshivaraju/cliprelay/internal/poll"
	"github.com/kiranshivaraju/cliprelay/internal/ratelimit"
	"github.com/kiranshivaraju/cliprelay/internal/status"
	"github.com/kiranshivaraju/cliprelay/internal/store"
	"github.com/kiranshivaraju/cliprelay/internal/upload"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})))
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"worker_configured", cfg.Worker.Endpoint != "" && cfg.Worker.Secret != "",
		"redis", cfg.Redis.URL != "",
		"uploads", cfg.Storage.Enabled(),
		"kafka", cfg.Kafka.Enabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pgStore := store.NewPostgresStore(pool)

	// 4. Optional Redis: status cache and shared rate limit buckets
	var jobCache cache.Cache
	limiter := ratelimit.NewInMemory()
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		jobCache = redisCache
		limiter = ratelimit.New(ratelimit.NewRedisStore(redisCache.Client()))
		slog.Info("redis connected")
	} else {
		slog.Warn("REDIS_URL not set, using in-process rate limiter and no status cache")
	}

	// 5. Seed the bootstrap admin key
	if cfg.Auth.BootstrapKey != "" {
		account, err := pgStore.GetDefaultAccount(ctx)
		if err != nil {
			return fmt.Errorf("load default account: %w", err)
		}
		if err := apikey.EnsureBootstrap(ctx, pgStore, account.ID, cfg.Auth.BootstrapKey); err != nil {
			return fmt.Errorf("bootstrap api key: %w", err)
		}
	}

	// 6. Pipeline
	var uploads pipeline.UploadIssuer
	if cfg.Storage.Enabled() {
		uploads = upload.NewIssuer(cfg.Storage)
	}

	machine := status.NewMachine(pgStore, status.WithCache(jobCache, cache.DefaultJobTTL))
	svc := pipeline.New(pipeline.Deps{
		Jobs:           pgStore,
		Machine:        machine,
		Dispatcher:     dispatch.New(cfg.Worker),
		Uploads:        uploads,
		Limiter:        limiter,
		Cache:          jobCache,
		DispatchWindow: cfg.RateLimit.DispatchWindow,
		DispatchMax:    cfg.RateLimit.DispatchMax,
	})

	// 7. Worker event consumer
	var consumer *events.Consumer
	if cfg.Kafka.Enabled() {
		consumer = events.NewConsumer(events.NewReader(cfg.Kafka), svc)
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("start worker event consumer: %w", err)
		}
		slog.Info("worker event consumer started", "topic", cfg.Kafka.Topic, "group_id", cfg.Kafka.GroupID)
	}

	// 8. Build router with dependencies
	pollOpts := []poll.Option{
		poll.WithBackoff(poll.BackoffFromConfig(cfg.Poll)),
		poll.WithTimeout(cfg.Poll.Timeout),
	}

	deps := api.Dependencies{
		Auth:       mw.NewAuth(pgStore),
		RateLimit:  mw.NewRateLimit(limiter, cfg.RateLimit.Window, cfg.RateLimit.Max),
		WorkerAuth: mw.WorkerAuth(cfg.Worker.Secret),

		HealthHandler:  healthHandler(pgStore, jobCache),
		MetricsHandler: metrics.Handler(),

		UploadSlotHandler: handler.NewUploadSlotHandler(svc),
		StartHandler:      handler.NewStartHandler(svc),
		ListVideos:        handler.NewListHandler(svc),
		GetVideo:          handler.NewStatusHandler(svc),
		VideoEvents:       handler.NewEventsHandler(svc, pollOpts...),
		ResubmitHandler:   handler.NewResubmitHandler(svc),
		NormalizeHandler:  handler.NewNormalizeHandler(svc),

		WorkerCallback: handler.NewWorkerCallbackHandler(svc),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if consumer != nil {
		if err := consumer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("worker event consumer shutdown", "error", err)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and, when configured, cache connectivity.
func healthHandler(db pinger, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "disabled",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c != nil {
			checks["cache"] = "ok"
			if err := c.Ping(r.Context()); err != nil {
				checks["cache"] = "degraded"
			}
		}

		if checks["database"] == "degraded" || checks["cache"] == "degraded" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
