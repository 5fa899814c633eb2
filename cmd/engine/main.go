package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/navid-fn/txradar/configs"
	"github.com/navid-fn/txradar/internal/drivers"
	"github.com/navid-fn/txradar/internal/events"
	"github.com/navid-fn/txradar/internal/health"
	"github.com/navid-fn/txradar/internal/metrics"
	"github.com/navid-fn/txradar/internal/rollup"
	"github.com/navid-fn/txradar/internal/schedule"
	"github.com/navid-fn/txradar/internal/storage"
	"github.com/navid-fn/txradar/internal/syncer"
	"github.com/navid-fn/txradar/internal/tenants"
	"github.com/navid-fn/txradar/internal/valuation"
)

func main() {
	appConfig := configs.AppLoad()
	logger := appConfig.NewLogger()
	metrics.MustRegister()

	ch, err := storage.NewClickHouse(appConfig.ClickHouseDSN)
	if err != nil {
		logger.Error("Failed to connect to ClickHouse", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     appConfig.Redis.Addr,
		Password: appConfig.Redis.Password,
		DB:       appConfig.Redis.DB,
	})
	defer rdb.Close()
	coord := storage.NewRedis(rdb, appConfig.Redis.CurrencyTableKey)

	dir, err := tenants.NewFileDirectory(appConfig.TenantsFile, logger)
	if err != nil {
		logger.Error("Failed to load tenants", "error", err)
		os.Exit(1)
	}

	var publisher events.Publisher = events.Noop{}
	if appConfig.Kafka.Broker != "" {
		publisher = events.NewKafkaPublisher(appConfig.Kafka.Broker, appConfig.Kafka.Topic, logger)
	}
	defer publisher.Close()

	orchestrator := syncer.New(dir, drivers.NewRegistry(logger), ch, coord, publisher, syncer.Config{
		Concurrency:  appConfig.Sync.Concurrency,
		CycleTimeout: appConfig.Sync.CycleTimeout,
		UnitTimeout:  appConfig.Sync.UnitTimeout,
		BatchSize:    appConfig.Sync.BatchSize,
		AllowTenants: appConfig.Sync.AllowTenants,
		AllowSources: appConfig.Sync.AllowSources,
	}, logger)

	cache := rollup.New(dir, ch, ch, coord, rollup.Config{
		BatchSize:  appConfig.Cache.BatchSize,
		EpochStart: appConfig.Cache.EpochStart,
	}, logger)

	rates := valuation.NewRatesClient(valuation.RatesConfig{
		BaseURL:           appConfig.Rates.BaseURL,
		Timeout:           appConfig.Rates.Timeout,
		MaxAttempts:       appConfig.Rates.MaxAttempts,
		RequestsPerSecond: appConfig.Rates.RequestsPerSecond,
	}, logger)
	valuer := valuation.New(ch, coord, rates, valuation.Config{
		PageSize:  appConfig.Valuation.PageSize,
		PageDelay: appConfig.Valuation.PageDelay,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := health.NewMonitor(logger, 30*time.Second)
	monitor.AddCheck("clickhouse", ch.Ping)
	monitor.AddCheck("redis", coord.Ping)

	gin.SetMode(gin.ReleaseMode)
	ops := gin.New()
	ops.Use(gin.Recovery())
	monitor.Register(ops)
	ops.GET("/metrics", gin.WrapH(promhttp.Handler()))
	opsServer := &http.Server{Addr: appConfig.OpsAddr, Handler: ops}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { monitor.Run(ctx) })
	run(func() {
		logger.Info("Ops server listening", "addr", appConfig.OpsAddr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", "error", err)
		}
	})
	run(func() {
		schedule.Loop(ctx, schedule.Options{
			Name:     "sync",
			Interval: appConfig.Sync.Interval,
			Locker:   coord,
			LockTTL:  appConfig.Sync.CycleTimeout + time.Minute,
		}, logger, orchestrator.Run)
	})
	run(func() {
		schedule.Loop(ctx, schedule.Options{
			Name:     "rollup",
			Interval: appConfig.Cache.Interval,
			Locker:   coord,
		}, logger, cache.Run)
	})
	run(func() {
		schedule.Loop(ctx, schedule.Options{
			Name:     "valuation",
			Interval: appConfig.Valuation.IdleSleep,
			Locker:   coord,
			LockTTL:  time.Hour,
		}, logger, valuer.Run)
	})

	<-ctx.Done()
	logger.Warn("Shutdown signal received, stopping loops...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops server shutdown failed", "error", err)
	}

	wg.Wait()
	logger.Info("Engine stopped")
}
