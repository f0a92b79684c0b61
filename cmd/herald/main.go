package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/adapter/email"
	httpAdapter "github.com/cwygoda/herald/internal/adapter/http"
	"github.com/cwygoda/herald/internal/adapter/ledger"
	"github.com/cwygoda/herald/internal/adapter/memory"
	"github.com/cwygoda/herald/internal/adapter/postgres"
	"github.com/cwygoda/herald/internal/adapter/sms"
	"github.com/cwygoda/herald/internal/adapter/sqlite"
	"github.com/cwygoda/herald/internal/config"
	"github.com/cwygoda/herald/internal/domain"
	"github.com/cwygoda/herald/internal/handler"
	"github.com/cwygoda/herald/internal/logging"
	"github.com/cwygoda/herald/internal/notify"
	"github.com/cwygoda/herald/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("herald stopped", zap.Error(err))
	}
}

func openRepository(ctx context.Context, cfg config.QueueConfig) (domain.JobRepository, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.PostgresDSN)
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(cfg.DBPath)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting herald",
		zap.Int("port", cfg.HTTP.Port),
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.String("sms_provider", cfg.SMS.Provider),
	)

	repo, err := openRepository(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer repo.Close()

	backoff, err := domain.ParseBackoff(cfg.Queue.Backoff, cfg.Queue.BackoffInitial, cfg.Queue.BackoffMax)
	if err != nil {
		return err
	}

	registry := domain.NewRegistry()
	svc := domain.NewJobService(repo, registry,
		domain.WithLogger(logger.Named("jobs")),
		domain.WithMaxAttempts(cfg.Queue.MaxAttempts),
		domain.WithBackoff(backoff),
		domain.WithHandlerTimeout(cfg.Queue.HandlerTimeout),
	)

	// Nothing else runs yet, so every processing job is left over from a crash.
	if recovered, err := svc.RecoverStale(ctx, 0); err != nil {
		logger.Warn("failed to recover stale jobs", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("recovered stale jobs", zap.Int64("count", recovered))
	}

	provider, err := sms.New(cfg.SMS, logger.Named("sms"))
	if err != nil {
		return err
	}
	validateCtx, validateCancel := context.WithTimeout(ctx, cfg.SMS.Timeout)
	if err := provider.ValidateCredentials(validateCtx); err != nil {
		logger.Warn("sms credentials could not be validated", zap.String("provider", provider.Name()), zap.Error(err))
	}
	validateCancel()

	sender, err := email.New(cfg.Email, logger.Named("email"))
	if err != nil {
		return err
	}
	templates, err := email.NewRenderer()
	if err != nil {
		return err
	}

	serverOpts := []httpAdapter.Option{
		httpAdapter.WithSecret(cfg.HTTP.Secret),
		httpAdapter.WithLogger(logger.Named("http")),
		httpAdapter.WithHealthCheck("sms", provider.ValidateCredentials),
	}

	var deliveries domain.DeliveryLedger
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		rl := ledger.NewRedis(rdb, cfg.Redis.LedgerTTL)
		deliveries = rl
		serverOpts = append(serverOpts, httpAdapter.WithHealthCheck("redis", rl.Ping))
	} else {
		deliveries = ledger.NewMemory(cfg.Redis.LedgerTTL)
	}

	handler.Register(registry, handler.Deps{
		SMS: notify.NewBulkDispatcher(provider,
			notify.WithBatchSize(cfg.SMS.BatchSize),
			notify.WithBatchDelay(cfg.SMS.BatchDelay),
			notify.WithLogger(logger.Named("bulk")),
		),
		Email:       sender,
		Templates:   templates,
		Ledger:      deliveries,
		StaffEmails: cfg.Notify.StaffEmails,
		StaffPhones: cfg.Notify.StaffPhones,
		InvoiceDir:  cfg.Notify.InvoiceDir,
		ShopName:    cfg.Notify.ShopName,
		Logger:      logger.Named("handler"),
	})

	maintenance, err := worker.NewMaintenance(svc, cfg.Queue.MaintenanceSchedule, cfg.Queue.StaleAfter, logger.Named("maintenance"))
	if err != nil {
		return err
	}
	maintenance.Start()

	w := worker.New(svc,
		worker.WithPollInterval(cfg.Queue.PollInterval),
		worker.WithBatchSize(cfg.Queue.BatchSize),
		worker.WithLogger(logger.Named("worker")),
	)
	workerDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(workerDone)
	}()

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := httpAdapter.NewServer(svc, addr, serverOpts...)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serverErr:
		logger.Error("HTTP server error", zap.Error(err))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	maintenance.Stop(shutdownCtx)
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker did not stop in time")
	}

	logger.Info("shutdown complete")
	return nil
}
