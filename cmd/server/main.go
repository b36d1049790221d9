// Command server runs the riskmesh HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riskmesh/riskmesh/internal/api"
	"github.com/riskmesh/riskmesh/internal/config"
	"github.com/riskmesh/riskmesh/internal/core"
	"github.com/riskmesh/riskmesh/internal/database"
	"github.com/riskmesh/riskmesh/pkg/analyzer"
	"github.com/riskmesh/riskmesh/pkg/cache"
	"github.com/riskmesh/riskmesh/pkg/dashboard"
	"github.com/riskmesh/riskmesh/pkg/dedup"
	"github.com/riskmesh/riskmesh/pkg/metrics"
	"github.com/riskmesh/riskmesh/pkg/observability"
	"github.com/riskmesh/riskmesh/pkg/querier"
	"github.com/riskmesh/riskmesh/pkg/resilience"
	"github.com/riskmesh/riskmesh/pkg/retry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ring := observability.NewRingBuffer(cfg.Logging.RingSize)
	logger := observability.NewStandardLogger("server", ring).WithLevel(cfg.Logging.Level)
	prom := observability.NewPrometheusMetricsClient("riskmesh")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db, cfg.Database.MigrationsPath, logger); err != nil {
		return err
	}

	var remote cache.RemoteTier
	if cfg.Redis.Enabled {
		tier, err := cache.NewRedisRemoteTier(cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting redis cache tier: %w", err)
		}
		defer tier.Close()
		remote = tier
	}

	cch, err := cache.New(cfg.Cache, logger, prom, remote)
	if err != nil {
		return fmt.Errorf("building cache: %w", err)
	}

	ddp := dedup.New(cfg.Dedup, logger, prom)
	breaker := resilience.New("store", cfg.Breaker, logger, prom)
	retrier := retry.NewExecutor(logger, prom)
	store := querier.New(db, cfg.Querier, logger, prom)

	recorder := metrics.NewRecorder(cfg.Metrics, logger, prom)
	la := analyzer.New(ring, cfg.Analyzer, logger)
	dash := dashboard.New(recorder, la, logger)

	store.OnSlowQuery(func(m querier.QueryMetric) {
		dash.RaiseAlert(dashboard.AlertTypePerformance, dashboard.SeverityWarning,
			fmt.Sprintf("slow %s query", m.QueryType), map[string]interface{}{
				"query":    string(m.QueryType),
				"duration": m.Duration.String(),
			})
	})

	service := core.NewService(core.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: prom,
		Dedup:   ddp,
		Cache:   cch,
		Breaker: breaker,
		Retrier: retrier,
		Store:   store,
	})

	server := api.NewServer(cfg.Server, service, dash, recorder, prom, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	service.Destroy()
	recorder.Destroy()
	logger.Info("server stopped", nil)
	return nil
}
