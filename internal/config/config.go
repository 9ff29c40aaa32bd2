// Package config loads application configuration from YAML files and
// STRATPIPE_ environment variables, and initializes the global logger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Breakers     BreakersConfig     `mapstructure:"breakers"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Gate         GateConfig         `mapstructure:"gate"`
	MarketData   MarketDataConfig   `mapstructure:"marketdata"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DSN renders a pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig contains Redis settings for the queue and the gate buckets.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr renders host:port.
func (c RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// NATSConfig contains event bus settings.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// RetentionConfig bounds a terminal queue bucket.
type RetentionConfig struct {
	Count  int `mapstructure:"count"`
	AgeSec int `mapstructure:"age_sec"`
}

// QueueConfig tunes the durable evaluation queue and its workers.
type QueueConfig struct {
	QueueName              string          `mapstructure:"queue_name"`
	WorkerCount            int             `mapstructure:"worker_count"`
	ConcurrencyPerWorker   int             `mapstructure:"concurrency_per_worker"`
	LockDurationMs         int             `mapstructure:"lock_duration_ms"`
	StalledIntervalMs      int             `mapstructure:"stalled_interval_ms"`
	MaxStalledRedeliveries int             `mapstructure:"max_stalled_redeliveries"`
	Attempts               int             `mapstructure:"attempts"`
	BackoffBaseMs          int             `mapstructure:"backoff_base_ms"`
	DrainTimeoutMs         int             `mapstructure:"drain_timeout_ms"`
	RetainCompleted        RetentionConfig `mapstructure:"retain_completed"`
	RetainFailed           RetentionConfig `mapstructure:"retain_failed"`
}

// BreakerConfig is one named breaker's tuning.
type BreakerConfig struct {
	Threshold int `mapstructure:"threshold"`
	ResetMs   int `mapstructure:"reset_ms"`
}

// BreakersConfig maps breaker names to overrides.
type BreakersConfig map[string]BreakerConfig

// EngineConfig tunes the backtest engine.
type EngineConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	FillModel      string  `mapstructure:"fill_model"` // STANDARD, PESSIMISTIC, OPTIMISTIC
	CommissionRate float64 `mapstructure:"commission_rate"`
	SlippageBps    float64 `mapstructure:"slippage_bps"`
	LatencyMs      int64   `mapstructure:"latency_ms"`
	RandomSeed     int64   `mapstructure:"random_seed"`
}

// OrchestratorConfig tunes the cycle driver.
type OrchestratorConfig struct {
	MaxConsecutiveErrors int      `mapstructure:"max_consecutive_errors"`
	CycleIntervalMs      int      `mapstructure:"cycle_interval_ms"`
	EmergencyHaltOnStart bool     `mapstructure:"emergency_halt_on_start"`
	Instruments          []string `mapstructure:"instruments"`
	Timeframe            string   `mapstructure:"timeframe"`
	WindowDays           int      `mapstructure:"window_days"`
	TradeNotional        float64  `mapstructure:"trade_notional"`
	EvalTimeoutMs        int      `mapstructure:"eval_timeout_ms"`
}

// GateConfig bounds the safety battery.
type GateConfig struct {
	MaxTradeValue       float64 `mapstructure:"max_trade_value"`
	MaxSlippageBps      float64 `mapstructure:"max_slippage_bps"`
	MaxGasPrice         float64 `mapstructure:"max_gas_price"`
	MinLiquidity        float64 `mapstructure:"min_liquidity"`
	MaxDailyRebalances  int     `mapstructure:"max_daily_rebalances"`
	MaxBalanceDeviation float64 `mapstructure:"max_balance_deviation"`
}

// MarketDataConfig selects and tunes the bar provider.
type MarketDataConfig struct {
	Provider  string  `mapstructure:"provider"` // binance or synthetic
	APIKey    string  `mapstructure:"api_key"`
	SecretKey string  `mapstructure:"secret_key"`
	Testnet   bool    `mapstructure:"testnet"`
	RateLimit float64 `mapstructure:"rate_limit"`
}

// MonitoringConfig contains the metrics server settings.
type MonitoringConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// Load reads configuration from the given path, or from config.yaml under
// ./configs when empty. Environment variables with the STRATPIPE_ prefix
// override file values (STRATPIPE_QUEUE_WORKER_COUNT, etc).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("STRATPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		// No file; defaults plus environment.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "stratpipe")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "stratpipe")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("queue.queue_name", "evaluations")
	v.SetDefault("queue.worker_count", 2)
	v.SetDefault("queue.concurrency_per_worker", 2)
	v.SetDefault("queue.lock_duration_ms", 30000)
	v.SetDefault("queue.stalled_interval_ms", 10000)
	v.SetDefault("queue.max_stalled_redeliveries", 1)
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff_base_ms", 5000)
	v.SetDefault("queue.drain_timeout_ms", 30000)
	v.SetDefault("queue.retain_completed.count", 1000)
	v.SetDefault("queue.retain_completed.age_sec", 86400)
	v.SetDefault("queue.retain_failed.count", 5000)

	v.SetDefault("breakers.execute.threshold", 3)
	v.SetDefault("breakers.execute.reset_ms", 60000)
	v.SetDefault("breakers.rpc.threshold", 5)
	v.SetDefault("breakers.rpc.reset_ms", 30000)
	v.SetDefault("breakers.eval-fetch.threshold", 10)
	v.SetDefault("breakers.eval-fetch.reset_ms", 120000)

	v.SetDefault("engine.initial_capital", 10000.0)
	v.SetDefault("engine.fill_model", "STANDARD")
	v.SetDefault("engine.commission_rate", 0.0005)
	v.SetDefault("engine.slippage_bps", 5.0)
	v.SetDefault("engine.latency_ms", 0)

	v.SetDefault("orchestrator.max_consecutive_errors", 5)
	v.SetDefault("orchestrator.cycle_interval_ms", 60000)
	v.SetDefault("orchestrator.emergency_halt_on_start", false)
	v.SetDefault("orchestrator.instruments", []string{"BTCUSDT"})
	v.SetDefault("orchestrator.timeframe", "1h")
	v.SetDefault("orchestrator.window_days", 30)
	v.SetDefault("orchestrator.trade_notional", 1000.0)
	v.SetDefault("orchestrator.eval_timeout_ms", 120000)

	v.SetDefault("gate.max_trade_value", 50000.0)
	v.SetDefault("gate.max_slippage_bps", 100.0)
	v.SetDefault("gate.max_gas_price", 500.0)
	v.SetDefault("gate.min_liquidity", 100000.0)
	v.SetDefault("gate.max_daily_rebalances", 24)
	v.SetDefault("gate.max_balance_deviation", 0.10)

	v.SetDefault("marketdata.provider", "synthetic")
	v.SetDefault("marketdata.rate_limit", 10.0)

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_port", 9090)
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Queue.WorkerCount <= 0 {
		return fmt.Errorf("config: queue.worker_count must be positive, got %d", c.Queue.WorkerCount)
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("config: queue.attempts must be positive, got %d", c.Queue.Attempts)
	}
	if c.Orchestrator.CycleIntervalMs <= 0 {
		return fmt.Errorf("config: orchestrator.cycle_interval_ms must be positive, got %d", c.Orchestrator.CycleIntervalMs)
	}
	if len(c.Orchestrator.Instruments) == 0 {
		return fmt.Errorf("config: orchestrator.instruments must not be empty")
	}
	switch c.Engine.FillModel {
	case "STANDARD", "PESSIMISTIC", "OPTIMISTIC":
	default:
		return fmt.Errorf("config: engine.fill_model %q is not STANDARD, PESSIMISTIC or OPTIMISTIC", c.Engine.FillModel)
	}
	switch c.MarketData.Provider {
	case "binance", "synthetic":
	default:
		return fmt.Errorf("config: marketdata.provider %q is not binance or synthetic", c.MarketData.Provider)
	}
	return nil
}

// CycleInterval returns the orchestrator interval as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Orchestrator.CycleIntervalMs) * time.Millisecond
}

// EvalTimeout returns the evaluate-node deadline as a duration.
func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.Orchestrator.EvalTimeoutMs) * time.Millisecond
}
