// Evaluation worker daemon. Claims backtest jobs from the shared queue and
// publishes results, with no cycle driver in-process. Run alongside a
// stratpipe instance to scale evaluation horizontally.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	stdlog "github.com/rs/zerolog/log"

	"github.com/quantforge/stratpipe/internal/bus"
	"github.com/quantforge/stratpipe/internal/clock"
	"github.com/quantforge/stratpipe/internal/config"
	"github.com/quantforge/stratpipe/internal/marketdata"
	"github.com/quantforge/stratpipe/internal/metrics"
	"github.com/quantforge/stratpipe/internal/orchestrator"
	"github.com/quantforge/stratpipe/internal/queue"
	"github.com/quantforge/stratpipe/internal/store"
	"github.com/quantforge/stratpipe/internal/strategy"
	"github.com/quantforge/stratpipe/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Error().Err(err).Msg("Configuration load failed")
		return 1
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("evalworker")
	logger.Info().Str("environment", cfg.App.Environment).Msg("Starting evaluation worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsServer *metrics.Server
	if cfg.Monitoring.Enabled {
		metricsServer = metrics.NewServer(cfg.Monitoring.MetricsPort, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Metrics server start failed")
			return 1
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error().Err(err).Str("addr", cfg.Redis.Addr()).Msg("Redis unreachable")
		return 1
	}
	defer rdb.Close()

	q := queue.New(rdb, cfg.Queue.QueueName, queue.Options{
		Attempts:    cfg.Queue.Attempts,
		BackoffBase: time.Duration(cfg.Queue.BackoffBaseMs) * time.Millisecond,
		MaxStalled:  cfg.Queue.MaxStalledRedeliveries,
		RetainCompleted: queue.Retention{
			Count: cfg.Queue.RetainCompleted.Count,
			Age:   time.Duration(cfg.Queue.RetainCompleted.AgeSec) * time.Second,
		},
		RetainFailed: queue.Retention{Count: cfg.Queue.RetainFailed.Count},
	}, logger)

	var sinks []worker.ResultSink
	if publisher, err := bus.Connect(cfg.NATS.URL, logger); err != nil {
		logger.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("Event bus unavailable, publishing disabled")
	} else {
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	if pgPool, err := pgxpool.New(ctx, cfg.Database.DSN()); err != nil {
		logger.Warn().Err(err).Msg("Database unavailable, running without persistence")
	} else if err := pgPool.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("Database unreachable, running without persistence")
		pgPool.Close()
	} else {
		defer pgPool.Close()
		sinks = append(sinks, orchestrator.NewStoreSink(store.NewWithPool(pgPool, logger), logger))
	}

	var bars worker.BarSource
	if cfg.MarketData.Provider == "binance" {
		bars = marketdata.NewBinanceProvider(marketdata.BinanceConfig{
			APIKey:    cfg.MarketData.APIKey,
			SecretKey: cfg.MarketData.SecretKey,
			Testnet:   cfg.MarketData.Testnet,
			RateLimit: cfg.MarketData.RateLimit,
		}, logger)
	} else {
		bars = marketdata.NewSyntheticProvider()
	}

	evaluator := worker.NewEvaluator(bars, strategy.NewBuilder(logger), clock.NewRealClock(), logger)

	pool := worker.NewPool(q, evaluator, orchestrator.NewCollector(logger, sinks...), worker.PoolConfig{
		WorkerCount: cfg.Queue.WorkerCount,
		Worker: worker.Config{
			Concurrency:     cfg.Queue.ConcurrencyPerWorker,
			LockDuration:    time.Duration(cfg.Queue.LockDurationMs) * time.Millisecond,
			StalledInterval: time.Duration(cfg.Queue.StalledIntervalMs) * time.Millisecond,
		},
		DrainTimeout: time.Duration(cfg.Queue.DrainTimeoutMs) * time.Millisecond,
	}, logger)

	if err := pool.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Worker pool start failed")
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	for sig := range sigChan {
		if sig == syscall.SIGUSR1 {
			dumpStats(ctx, pool, logger)
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		break
	}
	cancel()
	go forceExitOnSecondSignal(sigChan, logger)

	if err := pool.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Worker pool stop failed")
	}
	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	logger.Info().Msg("Shutdown complete")
	return 0
}

func dumpStats(ctx context.Context, pool *worker.Pool, logger zerolog.Logger) {
	stats, err := pool.Stats(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Stats collection failed")
		return
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		logger.Warn().Err(err).Msg("Stats encoding failed")
		return
	}
	logger.Info().RawJSON("stats", raw).Msg("Pool stats")
}

func forceExitOnSecondSignal(sigChan chan os.Signal, logger zerolog.Logger) {
	for sig := range sigChan {
		if sig == syscall.SIGUSR1 {
			continue
		}
		logger.Warn().Str("signal", sig.String()).Msg("Forcing exit")
		os.Exit(1)
	}
}
