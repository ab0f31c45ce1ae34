package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/adapter/audit"
	"github.com/pscheid92/pushline/internal/adapter/httpserver"
	"github.com/pscheid92/pushline/internal/adapter/postgres"
	"github.com/pscheid92/pushline/internal/adapter/redis"
	"github.com/pscheid92/pushline/internal/app"
	"github.com/pscheid92/pushline/internal/broadcast"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/platform/config"
	"github.com/pscheid92/pushline/internal/platform/logging"
	"github.com/pscheid92/pushline/internal/platform/version"
	"github.com/pscheid92/pushline/internal/registry"
	goredis "github.com/redis/go-redis/v9"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, m *metrics.Push) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, audit trail goes to the log")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config, m *metrics.Push) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, authenticated connections are not validated")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *httpserver.Server, svc *app.Service, recorder *audit.Recorder) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Already triggered by the HTTP shutdown; waits until the loops are gone.
		svc.Stop()

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelDrain()
		if err := recorder.Close(drainCtx); err != nil {
			slog.Error("Audit drain error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	promRegistry := metrics.NewRegistry()
	m := metrics.NewPush(promRegistry)

	var healthChecks []httpserver.HealthCheck

	var store audit.Store = audit.NewLogStore(slog.Default())
	pool := setupDB(cfg, m)
	if pool != nil {
		defer pool.Close()
		store = postgres.NewAuditStore(pool)
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	}

	var validator domain.AuthValidator = broadcast.AllowAllValidator{}
	redisClient := setupRedis(cfg, m)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		validator = redis.NewAuthValidator(redisClient, m)
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	recorder := audit.NewRecorder(store, clock, m, audit.Options{
		QueueSize:    cfg.AuditQueueSize,
		WriteTimeout: cfg.AuditWriteTimeout,
	})

	reg := registry.New(clock, recorder, m, registry.Options{
		Shards:     cfg.RegistryShards,
		BufferSize: cfg.StreamBufferSize,
		TTL:        cfg.ConnectionTTL,
	})
	selector := broadcast.NewSelector(reg, validator, clock, m)
	dispatcher := broadcast.NewDispatcher(reg, selector, recorder, clock, m)
	reaper := app.NewReaper(reg, clock, m, cfg.ReaperInterval, cfg.ReaperInitialDelay)
	heartbeat := app.NewHeartbeat(reg, clock, m, cfg.HeartbeatInterval)

	svc := app.NewService(reg, dispatcher, reaper, heartbeat, clock)
	svc.Start(context.Background())

	srv := httpserver.NewServer(cfg, svc, clock, m, metrics.Handler(promRegistry), healthChecks)

	done := runGracefulShutdown(srv, svc, recorder)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
