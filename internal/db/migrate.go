package db

import (
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationsFS,
		Root:       "migrations",
	}
}

// Migrate applies (or with down=true, reverts one step of) the schema
// through a database/sql handle borrowed from the pool.
func Migrate(pool *pgxpool.Pool, down bool) (int, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	if down {
		n, err := migrate.ExecMax(sqlDB, "postgres", Migrations(), migrate.Down, 1)
		if err != nil {
			return n, fmt.Errorf("revert migration: %w", err)
		}
		return n, nil
	}

	n, err := migrate.Exec(sqlDB, "postgres", Migrations(), migrate.Up)
	if err != nil {
		return n, fmt.Errorf("apply migrations: %w", err)
	}
	return n, nil
}
