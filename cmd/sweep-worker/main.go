package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/db"
	"github.com/hackgods/telemed-booking/internal/logger"
	"github.com/hackgods/telemed-booking/internal/notify"
	"github.com/hackgods/telemed-booking/internal/paymob"
	redisclient "github.com/hackgods/telemed-booking/internal/redis"
	"github.com/hackgods/telemed-booking/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		logger.Exit(log, "sweep-worker stopped", err)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("sweep-worker starting up",
		zap.String("env", cfg.Env),
		zap.String("reclaim", cfg.Sweep.ReclaimSpec),
		zap.String("purge", cfg.Sweep.PurgeSpec),
		zap.String("refunds", cfg.Sweep.RefundSpec),
		zap.Duration("grace", cfg.ReservationGrace),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns: cfg.PostgresMaxConn,
		MinConns: cfg.PostgresMinConn,
	})
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 4,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	// Sweeps never quote prices; refunds still need the gateway.
	var notifier notify.Notifier = notify.NewLogNotifier(log.Named("notify"))
	if cfg.Notify.AMQPURL != "" {
		publisher, closeAMQP, err := notify.Dial(cfg.Notify.AMQPURL, cfg.Notify.Queue, log.Named("notify"))
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer func() { _ = closeAMQP() }()
		notifier = publisher
	}

	gateway := paymob.NewClient(paymob.Options{
		BaseURL:       cfg.Paymob.BaseURL,
		APIKey:        cfg.Paymob.APIKey,
		IntegrationID: cfg.Paymob.IntegrationID,
		IframeURL:     cfg.Paymob.IframeURL,
		RPS:           cfg.Paymob.RPS,
		KeyExpiration: cfg.ReservationGrace,
	}, log.Named("paymob"))

	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)
	svc := appointment.NewService(repo, locker, nil, gateway, notifier, cfg, log.Named("booking"))

	scheduler := worker.NewScheduler(locker, cfg.Sweep.RunTimeout, log.Named("sweep"))
	for _, job := range worker.SweepJobs(svc, cfg.Sweep) {
		if err := scheduler.Add(job); err != nil {
			return err
		}
	}

	// Catch up on anything that went stale while no worker was running.
	scheduler.RunAll(rootCtx)

	if err := scheduler.Start(rootCtx); err != nil {
		return err
	}

	<-rootCtx.Done()
	log.Info("shutdown signal received, stopping sweeps")
	scheduler.Stop()
	return nil
}
