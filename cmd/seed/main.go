package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/db"
	"github.com/hackgods/telemed-booking/internal/logger"
)

const (
	doctorCount    = 50
	patientCount   = 5000
	slotsPerDoctor = 24
)

var countries = []string{"Egypt", "Egypt", "Egypt", "Saudi Arabia", "UAE", "Germany", "United States"}

// EGP base prices, scaled per currency below.
var basePrices = map[string][2]float64{
	"CHAT":  {150, 400},
	"VOICE": {250, 600},
	"VIDEO": {350, 900},
}

var currencyFactor = map[string]decimal.Decimal{
	"EGP": decimal.NewFromInt(1),
	"SAR": decimal.RequireFromString("0.077"),
	"AED": decimal.RequireFromString("0.075"),
	"USD": decimal.RequireFromString("0.021"),
}

func main() {
	log, err := logger.New(os.Getenv("APP_ENV"), "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	if err := run(log); err != nil {
		logger.Exit(log, "seed failed", err)
	}
	_ = log.Sync()
}

func run(log *zap.Logger) error {
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

	doctorIDs, err := seedDoctors(context.Background(), pool, log, doctorCount)
	if err != nil {
		return fmt.Errorf("seed doctors: %w", err)
	}
	if err := seedSlots(context.Background(), pool, log, doctorIDs, slotsPerDoctor); err != nil {
		return fmt.Errorf("seed slots: %w", err)
	}
	if err := seedPatients(context.Background(), pool, log, patientCount); err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}

	log.Info("seed complete")
	return nil
}

// seedDoctors inserts doctors with a refund policy and prices for every
// service in every supported currency.
func seedDoctors(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger, count int) ([]int64, error) {
	log.Info("seeding doctors", zap.Int("count", count))

	ids := make([]int64, 0, count)
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO doctors (full_name, email, refund_enabled, refund_threshold_hours)
				VALUES ($1, $2, $3, $4)
				RETURNING id
			`, "Dr. "+gofakeit.Name(), gofakeit.Email(), gofakeit.Number(0, 3) > 0, gofakeit.RandomInt([]int{12, 24, 48})).Scan(&id)
			if err != nil {
				return fmt.Errorf("insert doctor: %w", err)
			}
			ids = append(ids, id)

			for service, bounds := range basePrices {
				base := decimal.NewFromFloat(gofakeit.Price(bounds[0], bounds[1])).Round(0)
				for currency, factor := range currencyFactor {
					_, err := tx.Exec(ctx, `
						INSERT INTO doctor_pricing (doctor_id, service, currency, price)
						VALUES ($1, $2, $3, $4::numeric)
					`, id, service, currency, base.Mul(factor).Round(2).String())
					if err != nil {
						return fmt.Errorf("insert price: %w", err)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("doctors seeded")
	return ids, nil
}

// seedSlots opens half-hour slots on the coming days, never overlapping for
// the same doctor.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger, doctorIDs []int64, perDoctor int) error {
	log.Info("seeding slots", zap.Int("doctors", len(doctorIDs)), zap.Int("per_doctor", perDoctor))

	day := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	for _, doctorID := range doctorIDs {
		batch := &pgx.Batch{}
		for i := 0; i < perDoctor; i++ {
			start := day.Add(time.Duration(i/8) * 24 * time.Hour).
				Add(9 * time.Hour).
				Add(time.Duration(i%8) * time.Hour)
			chat, voice, video := gofakeit.Bool(), gofakeit.Bool(), gofakeit.Bool()
			if !chat && !voice && !video {
				chat = true
			}
			batch.Queue(`
				INSERT INTO slots (doctor_id, date, start_time, end_time, chat, voice, video)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, doctorID, start.Truncate(24*time.Hour), start, start.Add(30*time.Minute), chat, voice, video)
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert slots for doctor %d: %w", doctorID, err)
		}
	}

	log.Info("slots seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger, count int) error {
	log.Info("seeding patients", zap.Int("count", count))

	rows := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, []any{gofakeit.Name(), gofakeit.Email(), gofakeit.RandomString(countries)})
	}

	n, err := pool.CopyFrom(ctx,
		pgx.Identifier{"patients"},
		[]string{"full_name", "email", "country"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy patients: %w", err)
	}

	log.Info("patients seeded", zap.Int64("rows", n))
	return nil
}
