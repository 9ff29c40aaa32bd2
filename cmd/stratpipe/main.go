// Pipeline daemon: drives the trading cycle, the evaluation worker pool and
// the safety gate in one process.
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

	"github.com/quantforge/stratpipe/internal/breaker"
	"github.com/quantforge/stratpipe/internal/bus"
	"github.com/quantforge/stratpipe/internal/clock"
	"github.com/quantforge/stratpipe/internal/config"
	"github.com/quantforge/stratpipe/internal/gate"
	"github.com/quantforge/stratpipe/internal/marketdata"
	"github.com/quantforge/stratpipe/internal/metrics"
	"github.com/quantforge/stratpipe/internal/orchestrator"
	"github.com/quantforge/stratpipe/internal/pipeline"
	"github.com/quantforge/stratpipe/internal/queue"
	"github.com/quantforge/stratpipe/internal/store"
	"github.com/quantforge/stratpipe/internal/strategy"
	"github.com/quantforge/stratpipe/internal/worker"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

const (
	exitOK            = 0
	exitInitFailure   = 1
	exitEmergencyHalt = 2
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
		return exitInitFailure
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")
	logger.Info().Str("environment", cfg.App.Environment).Msg("Starting stratpipe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsServer *metrics.Server
	if cfg.Monitoring.Enabled {
		metricsServer = metrics.NewServer(cfg.Monitoring.MetricsPort, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Metrics server start failed")
			return exitInitFailure
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error().Err(err).Str("addr", cfg.Redis.Addr()).Msg("Redis unreachable")
		return exitInitFailure
	}
	defer rdb.Close()

	reg := breaker.NewRegistry()
	for name, bc := range cfg.Breakers {
		reg.SetConfig(name, breaker.Config{
			Threshold: bc.Threshold,
			Reset:     time.Duration(bc.ResetMs) * time.Millisecond,
		})
	}

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

	publisher, err := bus.Connect(cfg.NATS.URL, logger)
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("Event bus unavailable, publishing disabled")
		publisher = nil
	} else {
		defer publisher.Close()
	}

	var db *store.Store
	if pgPool, err := pgxpool.New(ctx, cfg.Database.DSN()); err != nil {
		logger.Warn().Err(err).Msg("Database unavailable, running without persistence")
	} else if err := pgPool.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("Database unreachable, running without persistence")
		pgPool.Close()
	} else {
		db = store.NewWithPool(pgPool, logger)
		defer pgPool.Close()
	}

	clk := clock.NewRealClock()
	bars := newBarProvider(cfg, logger)
	evaluator := worker.NewEvaluator(bars, strategy.NewBuilder(logger), clk, logger)

	var sinks []worker.ResultSink
	if publisher != nil {
		sinks = append(sinks, publisher)
	}
	if db != nil {
		sinks = append(sinks, orchestrator.NewStoreSink(db, logger))
	}
	collector := orchestrator.NewCollector(logger, sinks...)

	pool := worker.NewPool(q, evaluator, collector, worker.PoolConfig{
		WorkerCount: cfg.Queue.WorkerCount,
		Worker: worker.Config{
			Concurrency:     cfg.Queue.ConcurrencyPerWorker,
			LockDuration:    time.Duration(cfg.Queue.LockDurationMs) * time.Millisecond,
			StalledInterval: time.Duration(cfg.Queue.StalledIntervalMs) * time.Millisecond,
		},
		DrainTimeout: time.Duration(cfg.Queue.DrainTimeoutMs) * time.Millisecond,
	}, logger)

	// The gate consults the halt flag owned by the orchestrator's engine, so
	// the closure binds to a variable assigned below.
	var orch *orchestrator.Orchestrator
	g := gate.New(reg, rdb, gate.Limits{
		MaxTradeValue:       cfg.Gate.MaxTradeValue,
		MaxSlippageBps:      cfg.Gate.MaxSlippageBps,
		MaxGasPrice:         cfg.Gate.MaxGasPrice,
		MinLiquidity:        cfg.Gate.MinLiquidity,
		MaxDailyRebalances:  cfg.Gate.MaxDailyRebalances,
		MaxBalanceDeviation: cfg.Gate.MaxBalanceDeviation,
	}, clk, func() bool { return orch != nil && orch.EmergencyHalted() }, logger)

	orch, err = orchestrator.New(orchestrator.Config{
		Instruments:   cfg.Orchestrator.Instruments,
		Timeframe:     cfg.Orchestrator.Timeframe,
		WindowDays:    cfg.Orchestrator.WindowDays,
		TradeNotional: cfg.Orchestrator.TradeNotional,
		EvalTimeout:   cfg.EvalTimeout(),
		Engine: backtest.Config{
			InitialCapital: cfg.Engine.InitialCapital,
			FillModel:      backtest.FillModel(cfg.Engine.FillModel),
			CommissionRate: cfg.Engine.CommissionRate,
			SlippageBps:    cfg.Engine.SlippageBps,
			LatencyMs:      cfg.Engine.LatencyMs,
			RandomSeed:     cfg.Engine.RandomSeed,
			Risk:           backtest.DefaultConfig().Risk,
		},
		Pipeline: pipeline.Options{
			MaxConsecutiveErrors: cfg.Orchestrator.MaxConsecutiveErrors,
			CycleInterval:        cfg.CycleInterval(),
			EmergencyHaltOnStart: cfg.Orchestrator.EmergencyHaltOnStart,
		},
	}, orchestrator.Deps{
		Source:    orchestrator.NewBarContextSource(bars, cfg.Orchestrator.Instruments, cfg.Orchestrator.Timeframe, 48, clk, logger),
		Theorizer: orchestrator.NewRuleTheorizer(cfg.Orchestrator.Instruments, cfg.Orchestrator.Timeframe, logger),
		Jobs:      pool,
		Collector: collector,
		Gate:      g,
		Executor:  orchestrator.NewPaperExecutor(cfg.Orchestrator.TradeNotional, clk, logger),
		Store:     db,
		Bus:       publisher,
		Breakers:  reg,
		Clock:     clk,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Orchestrator init failed")
		return exitInitFailure
	}

	if err := pool.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Worker pool start failed")
		return exitInitFailure
	}

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	exit := func() int {
		shutdown(pool, metricsServer, logger)
		if orch.EmergencyHalted() {
			return exitEmergencyHalt
		}
		return exitOK
	}

	for {
		select {
		case err := <-runErr:
			if err != nil {
				logger.Error().Err(err).Msg("Orchestrator exited with error")
			}
			return exit()
		case sig := <-sigChan:
			if sig == syscall.SIGUSR1 {
				dumpStats(ctx, pool, logger)
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			cancel()
			go forceExitOnSecondSignal(sigChan, logger)
			<-runErr
			return exit()
		}
	}
}

func newBarProvider(cfg *config.Config, logger zerolog.Logger) worker.BarSource {
	if cfg.MarketData.Provider == "binance" {
		return marketdata.NewBinanceProvider(marketdata.BinanceConfig{
			APIKey:    cfg.MarketData.APIKey,
			SecretKey: cfg.MarketData.SecretKey,
			Testnet:   cfg.MarketData.Testnet,
			RateLimit: cfg.MarketData.RateLimit,
		}, logger)
	}
	return marketdata.NewSyntheticProvider()
}

func shutdown(pool *worker.Pool, ms *metrics.Server, logger zerolog.Logger) {
	if err := pool.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Worker pool stop failed")
	}
	if ms != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := ms.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	logger.Info().Msg("Shutdown complete")
}

// dumpStats logs a point-in-time pool snapshot. Triggered by SIGUSR1.
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

// forceExitOnSecondSignal makes a wedged drain interruptible: a second
// interrupt kills the process without waiting.
func forceExitOnSecondSignal(sigChan chan os.Signal, logger zerolog.Logger) {
	for sig := range sigChan {
		if sig == syscall.SIGUSR1 {
			continue
		}
		logger.Warn().Str("signal", sig.String()).Msg("Forcing exit")
		os.Exit(exitInitFailure)
	}
}
