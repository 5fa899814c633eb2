package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"

	"github.com/navid-fn/txradar/configs"
	"github.com/navid-fn/txradar/server/config"
	"github.com/navid-fn/txradar/server/internal/handler"
	"github.com/navid-fn/txradar/server/internal/repository"
	"github.com/navid-fn/txradar/server/internal/router"
	"github.com/navid-fn/txradar/server/internal/service"
)

func main() {
	cfg := config.Load()

	logger := configs.BuildLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := gorm.Open(clickhouse.Open(cfg.ClickHouseDSN), &gorm.Config{})
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	rollupRepo := repository.NewGormRollupRepository(db)
	rollupService := service.NewRollupsService(rollupRepo)
	rollupHandler := handler.NewRollupHandler(rollupService, logger)

	routerConfig := &router.Config{
		RollupHandler: rollupHandler,
	}

	router := router.NewRouter(routerConfig)

	logger.Info("Read API listening", "port", cfg.ServerPort)
	if err := router.Run(fmt.Sprintf(":%s", cfg.ServerPort)); err != nil {
		logger.Error("Read API stopped", "error", err)
		os.Exit(1)
	}
}
