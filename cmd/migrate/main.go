package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/db"
	"github.com/hackgods/telemed-booking/internal/logger"
)

func main() {
	down := flag.Bool("down", false, "revert the most recent migration instead of applying pending ones")
	flag.Parse()

	_ = godotenv.Load()

	log, err := logger.New(os.Getenv("APP_ENV"), "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	if err := run(log, *down); err != nil {
		logger.Exit(log, "migrate failed", err)
	}
	_ = log.Sync()
}

func run(log *zap.Logger, down bool) error {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		return errors.New("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	n, err := db.Migrate(pool, down)
	if err != nil {
		return err
	}
	log.Info("migrations done", zap.Bool("down", down), zap.Int("applied", n))
	return nil
}
