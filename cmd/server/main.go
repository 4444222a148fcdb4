/*
main.go - Application entry point

PURPOSE:
  Starts the dues engine: the HTTP API, the bulk accrual worker, the
  notification worker and the due reminder scheduler, all in one process.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, file, DUES_* env, flags)
  2. Build the zap logger
  3. Open the store and apply migrations
  4. Wire authorization, engine, notifier and workers
  5. Start workers and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the workers (in-flight jobs finish; queued jobs wait for the next start)
  4. Close the database connection

EXAMPLES:
  # Local development on SQLite
  ./server

  # In-memory database with demo scenarios
  ./server --db-dsn=":memory:"

  # Production
  DUES_AUTH_JWT_SECRET=... ./server --env=prod --db-driver=postgres \
    --db-dsn="postgres://dues@db/dues?sslmode=disable"

SEE ALSO:
  - config/config.go: Every setting and its environment variable
  - api/server.go: Router configuration
  - jobs/worker.go: Worker loop
*/
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

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/jobs"
	"github.com/warp/dues-engine/notify"
	"github.com/warp/dues-engine/store/sqlstore"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	store, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	engine := dues.NewEngine(store, auth.NewDirectory(store), log)

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.SMTPEnabled() {
		notifier = notify.NewMailNotifier(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		log.Info("email notifications enabled", zap.String("smtp_host", cfg.SMTP.Host))
	}

	// Workers
	accrual := engine.RegisterAccrual(
		jobs.NewWorker("accrual-worker", store, cfg.Workers.AccrualInterval, cfg.Workers.AccrualBatch, log))
	accrual.StuckAfter = cfg.Workers.StuckAfter

	notifications := dues.NewNotifications(store, notifier, log).
		Register(jobs.NewWorker("notification-worker", store, cfg.Workers.NotifyInterval, cfg.Workers.NotifyBatch, log))
	notifications.StuckAfter = cfg.Workers.StuckAfter

	reminders := jobs.NewTicker("reminder-scheduler", cfg.Workers.ReminderInterval, engine.EnqueueReminders, log)

	accrual.Start(ctx)
	notifications.Start(ctx)
	reminders.Start(ctx)

	// HTTP
	handler := api.NewHandler(engine, store, auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer), log)
	handler.StuckAfter = cfg.Workers.StuckAfter
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		EnableScenarios: cfg.IsDev(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Env),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a failed listener
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server stopped unexpectedly", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	shutdownErr := server.Shutdown(shutdownCtx)

	reminders.Stop()
	notifications.Stop()
	accrual.Stop()
	cancel()

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	log.Info("server stopped")
	return nil
}
