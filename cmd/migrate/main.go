package main

import (
	"database/sql"
	"flag"
	"os"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
	"github.com/pressly/goose/v3"

	"github.com/navid-fn/txradar/configs"
	"github.com/navid-fn/txradar/internal/migrations"
)

func main() {
	down := flag.Bool("down", false, "Roll back the most recent migration instead of migrating up")
	flag.Parse()

	cfg := configs.AppLoad()
	logger := cfg.NewLogger()

	// Connect using native ClickHouse driver
	db, err := sql.Open("clickhouse", cfg.ClickHouseDSN)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Verify connection
	if err := db.Ping(); err != nil {
		logger.Error("Failed to ping database", "error", err)
		os.Exit(1)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("clickhouse"); err != nil {
		logger.Error("Goose: failed to set dialect", "error", err)
		os.Exit(1)
	}

	if *down {
		logger.Info("Rolling back the last migration...")
		if err := goose.Down(db, "."); err != nil {
			logger.Error("Goose rollback failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Rollback completed successfully")
		return
	}

	logger.Info("Running database migrations...")
	if err := goose.Up(db, "."); err != nil {
		logger.Error("Goose migration failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Migrations completed successfully")
}
