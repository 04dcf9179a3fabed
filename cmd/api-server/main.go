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

	"github.com/hackgods/telemed-booking/internal/api"
	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/db"
	"github.com/hackgods/telemed-booking/internal/logger"
	"github.com/hackgods/telemed-booking/internal/notify"
	"github.com/hackgods/telemed-booking/internal/paymob"
	"github.com/hackgods/telemed-booking/internal/pricing"
	redisclient "github.com/hackgods/telemed-booking/internal/redis"
)

var version = "dev"

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
		logger.Exit(log, "api-server stopped", err)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
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
	log.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	table := pricing.DefaultCurrencyTable()
	if cfg.Exchange.CurrencyTableFile != "" {
		if table, err = pricing.LoadCurrencyTable(cfg.Exchange.CurrencyTableFile); err != nil {
			return err
		}
	}
	converter := pricing.NewExchangeRateConverter(pricing.ConverterOptions{
		BaseURL: cfg.Exchange.BaseURL,
		APIKey:  cfg.Exchange.APIKey,
		Target:  cfg.Exchange.SettlementCurrency,
		TTL:     cfg.Exchange.CacheTTL,
		Cache:   redisclient.NewRateCache(rdb, cfg.Exchange.SettlementCurrency),
	}, log.Named("exchange"))
	warmCtx, cancelWarm := context.WithTimeout(rootCtx, 10*time.Second)
	if err := converter.Warm(warmCtx); err != nil {
		log.Warn("could not warm exchange rates, first quotes will fetch them", zap.Error(err))
	}
	cancelWarm()
	prices := pricing.NewResolver(pricing.NewPgRepository(pgPool), table, converter, log.Named("pricing"))

	gateway := paymob.NewClient(paymob.Options{
		BaseURL:       cfg.Paymob.BaseURL,
		APIKey:        cfg.Paymob.APIKey,
		IntegrationID: cfg.Paymob.IntegrationID,
		IframeURL:     cfg.Paymob.IframeURL,
		RPS:           cfg.Paymob.RPS,
		KeyExpiration: cfg.ReservationGrace,
	}, log.Named("paymob"))

	var notifier notify.Notifier = notify.NewLogNotifier(log.Named("notify"))
	if cfg.Notify.AMQPURL != "" {
		publisher, closeAMQP, err := notify.Dial(cfg.Notify.AMQPURL, cfg.Notify.Queue, log.Named("notify"))
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer func() { _ = closeAMQP() }()
		notifier = publisher
	}

	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)
	bookings := appointment.NewService(repo, locker, prices, gateway, notifier, cfg, log.Named("booking"))
	slots := appointment.NewSlotService(repo, log.Named("slots"))

	router := api.NewRouter(api.RouterConfig{
		Bookings:     bookings,
		Slots:        slots,
		Health:       api.NewHealthHandler(pgPool, api.RedisPinger(rdb), cfg.Env, version),
		JWTSecret:    cfg.JWTSecret,
		RateLimitRPS: cfg.RateLimitRPS,
		Log:          log.Named("http"),
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

	log.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
