package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api-server stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("clinic_timezone", cfg.ClinicTimezone),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, db.PoolConfig{DSN: cfg.PostgresDSN})
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	if err := db.Migrate(rootCtx, pgPool); err != nil {
		return err
	}

	checks := []api.Check{api.PostgresCheck(pgPool)}

	// Resource locks: Redis when configured, guarded by a circuit breaker
	// that falls back to in-process locks.
	local := redisclient.NewLocalLocker(cfg.LockWait)
	var locker redisclient.Locker = local
	if !cfg.RedisDisabled {
		rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		log.Info("connected to Redis")

		primary := redisclient.NewRedisResourceLocker(rdb, cfg.LockTTL, cfg.LockWait)
		locker = redisclient.NewFallbackLocker(primary, local, cfg.LockTTL, log)
		checks = append(checks, api.RedisCheck(rdb))
	} else {
		log.Warn("redis disabled, using in-process resource locks")
	}

	policy := appointment.Policy{
		MinDurationMinutes: cfg.MinDurationMinutes,
		MaxDurationMinutes: cfg.MaxDurationMinutes,
		CancellationNotice: cfg.CancellationNotice,
		Location:           cfg.Location(),
	}

	collector := metrics.NewCollector("clinic")
	repo := appointment.NewPgRepository(pgPool)
	svc := appointment.NewService(repo, locker, appointment.NewEventLogSink(repo), policy,
		appointment.WithLogger(log.Named("scheduling")),
		appointment.WithMetrics(collector),
	)

	router := api.NewRouter(api.RouterConfig{
		Service:      svc,
		Availability: appointment.NewAvailabilityCalculator(repo, repo, policy.Location),
		Location:     policy.Location,
		Logger:       log.Named("http"),
		Metrics:      collector,
		Checks:       checks,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-rootCtx.Done():
	}

	log.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	log.Info("api-server stopped")
	return nil
}
