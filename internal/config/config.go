// Package config defines all configuration for the trading engine.
// Config is loaded once at startup from a YAML file (default:
// configs/engine.yaml) with sensitive fields overridable via MTF_*
// environment variables. There is no hot reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RunMode selects which components start.
type RunMode string

const (
	// RunFull starts the complete trading engine.
	RunFull RunMode = "FULL"
	// RunFeedCollector starts tick intake and the relay broadcaster only;
	// all trading components are skipped.
	RunFeedCollector RunMode = "FEED_COLLECTOR"
)

// ReleaseReadiness gates the debt registry at startup.
type ReleaseReadiness string

const (
	ReadinessBeta ReleaseReadiness = "BETA"
	ReadinessProd ReleaseReadiness = "PROD_READY"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	ProductionMode        bool             `mapstructure:"production_mode"`
	OrderExecutionEnabled bool             `mapstructure:"order_execution_enabled"`
	TradingEnabled        bool             `mapstructure:"trading_enabled"`
	ReleaseReadiness      ReleaseReadiness `mapstructure:"release_readiness"`
	RunMode               RunMode          `mapstructure:"run_mode"`
	ConfigDir             string           `mapstructure:"config_dir"`

	DataFeedBroker string `mapstructure:"data_feed_broker"`
	OrderBroker    string `mapstructure:"order_broker"`

	Port      int `mapstructure:"port"`
	RelayPort int `mapstructure:"relay_port"`

	DB      DBConfig      `mapstructure:"db"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Session SessionConfig `mapstructure:"session"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Exit    ExitConfig    `mapstructure:"exit"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DBConfig holds the Postgres connection settings.
type DBConfig struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Pass     string `mapstructure:"pass"`
	PoolSize int    `mapstructure:"pool_size"`
}

// JWTConfig is consumed by the gateway collaborator, not the core; carried
// here because the process owns a single config file.
type JWTConfig struct {
	Secret          string `mapstructure:"secret"`
	ExpirationHours int    `mapstructure:"expiration_hours"`
}

// FeedConfig tunes tick intake and persistence.
//
//   - ShortDedupeWindow: exact (symbol, broker timestamp) replay window.
//   - LongDedupeWindow:  semantic duplicate window.
//   - ListenerBuffer:    per-listener channel depth; overflow drops oldest.
//   - PersistTickEvents requires AsyncEventWriterEnabled (checked at startup).
type FeedConfig struct {
	ShortDedupeWindow       time.Duration `mapstructure:"short_dedupe_window"`
	LongDedupeWindow        time.Duration `mapstructure:"long_dedupe_window"`
	ListenerBuffer          int           `mapstructure:"listener_buffer"`
	WSBatchFlushMs          int           `mapstructure:"ws_batch_flush_ms"`
	PersistTickEvents       bool          `mapstructure:"persist_tick_events"`
	AsyncEventWriterEnabled bool          `mapstructure:"async_event_writer_enabled"`
}

// SessionConfig tunes OAuth session refresh.
type SessionConfig struct {
	RefreshWindow  time.Duration `mapstructure:"refresh_window"`  // refresh at expiresAt minus window
	RetryInterval  time.Duration `mapstructure:"retry_interval"`  // reschedule after a failed refresh
	StateTTL       time.Duration `mapstructure:"state_ttl"`       // OAuth state lifetime
	CleanupEvery   time.Duration `mapstructure:"cleanup_every"`   // expired-state sweep
	ExpirySkew     time.Duration `mapstructure:"expiry_skew"`     // treat sessions expiring within this as expired
}

// EngineConfig tunes the lifecycle coordinators and reconcilers.
type EngineConfig struct {
	SignalPartitions    int           `mapstructure:"signal_partitions"`
	TradePartitions     int           `mapstructure:"trade_partitions"`
	OrchestratorWorkers int           `mapstructure:"orchestrator_workers"`
	OrchestratorEvery   time.Duration `mapstructure:"orchestrator_every"`
	ExecutorEvery       time.Duration `mapstructure:"executor_every"`
	ReconcileEvery      time.Duration `mapstructure:"reconcile_every"`
	ReconcileOffset     time.Duration `mapstructure:"reconcile_offset"`
	PendingTimeout      time.Duration `mapstructure:"pending_timeout"`
	BrokerPermits       int64         `mapstructure:"broker_permits"`
	BrokerCallTimeout   time.Duration `mapstructure:"broker_call_timeout"`
	CandleFinalizeEvery time.Duration `mapstructure:"candle_finalize_every"`
	SignalSweepEvery    time.Duration `mapstructure:"signal_sweep_every"`
	WatchdogEvery       time.Duration `mapstructure:"watchdog_every"`
	InstrumentRefreshAt string        `mapstructure:"instrument_refresh_at"` // local time, "HH:MM"
	ExchangeTimezone    string        `mapstructure:"exchange_timezone"`
	MTFLookback         int           `mapstructure:"mtf_lookback"`
}

// RiskConfig holds the validation pipeline thresholds. Percentages are
// fractions of total capital.
type RiskConfig struct {
	RequireTripleConfluence bool    `mapstructure:"require_triple_confluence"`
	MinPWin                 float64 `mapstructure:"min_p_win"`
	MinKelly                float64 `mapstructure:"min_kelly"`
	MinQty                  int64   `mapstructure:"min_qty"`
	MinTradeValue           float64 `mapstructure:"min_trade_value"`
	MaxTradeValue           float64 `mapstructure:"max_trade_value"`
	MaxExposurePct          float64 `mapstructure:"max_exposure_pct"`
	MaxOpenTrades           int     `mapstructure:"max_open_trades"`
	MaxTradeLogLoss         float64 `mapstructure:"max_trade_log_loss"`
	MaxPortfolioLogLoss     float64 `mapstructure:"max_portfolio_log_loss"`
	DailyLossLimitPct       float64 `mapstructure:"daily_loss_limit_pct"`
	WeeklyLossLimitPct      float64 `mapstructure:"weekly_loss_limit_pct"`
}

// ExitConfig tunes exit evaluation.
type ExitConfig struct {
	TrailingActivationPct float64       `mapstructure:"trailing_activation_pct"`
	TrailingDistancePct   float64       `mapstructure:"trailing_distance_pct"`
	MaxHoldingDays        int           `mapstructure:"max_holding_days"`
	ExitOrderTimeout      time.Duration `mapstructure:"exit_order_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MTF_DB_URL, MTF_DB_PASS, MTF_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MTF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if url := os.Getenv("MTF_DB_URL"); url != "" {
		cfg.DB.URL = url
	}
	if pass := os.Getenv("MTF_DB_PASS"); pass != "" {
		cfg.DB.Pass = pass
	}
	if secret := os.Getenv("MTF_JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}
	if os.Getenv("MTF_TRADING_ENABLED") == "false" || os.Getenv("MTF_TRADING_ENABLED") == "0" {
		cfg.TradingEnabled = false
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run_mode", string(RunFull))
	v.SetDefault("release_readiness", string(ReadinessBeta))
	v.SetDefault("port", 8080)
	v.SetDefault("relay_port", 8090)
	v.SetDefault("db.pool_size", 10)

	v.SetDefault("feed.short_dedupe_window", 2*time.Second)
	v.SetDefault("feed.long_dedupe_window", 60*time.Second)
	v.SetDefault("feed.listener_buffer", 256)
	v.SetDefault("feed.ws_batch_flush_ms", 250)

	v.SetDefault("session.refresh_window", 5*time.Minute)
	v.SetDefault("session.retry_interval", 30*time.Second)
	v.SetDefault("session.state_ttl", 15*time.Minute)
	v.SetDefault("session.cleanup_every", 10*time.Minute)
	v.SetDefault("session.expiry_skew", 60*time.Second)

	v.SetDefault("engine.signal_partitions", 8)
	v.SetDefault("engine.trade_partitions", 8)
	v.SetDefault("engine.orchestrator_workers", 4)
	v.SetDefault("engine.orchestrator_every", 5*time.Second)
	v.SetDefault("engine.executor_every", 5*time.Second)
	v.SetDefault("engine.reconcile_every", 30*time.Second)
	v.SetDefault("engine.reconcile_offset", 15*time.Second)
	v.SetDefault("engine.pending_timeout", 10*time.Minute)
	v.SetDefault("engine.broker_permits", 5)
	v.SetDefault("engine.broker_call_timeout", 10*time.Second)
	v.SetDefault("engine.candle_finalize_every", 2*time.Second)
	v.SetDefault("engine.signal_sweep_every", time.Minute)
	v.SetDefault("engine.watchdog_every", 2*time.Minute)
	v.SetDefault("engine.instrument_refresh_at", "08:30")
	v.SetDefault("engine.exchange_timezone", "Asia/Kolkata")
	v.SetDefault("engine.mtf_lookback", 200)

	v.SetDefault("risk.require_triple_confluence", true)
	v.SetDefault("risk.min_p_win", 0.55)
	v.SetDefault("risk.min_kelly", 0.02)
	v.SetDefault("risk.min_qty", 1)
	v.SetDefault("risk.min_trade_value", 5000.0)
	v.SetDefault("risk.max_trade_value", 200000.0)
	v.SetDefault("risk.max_exposure_pct", 0.80)
	v.SetDefault("risk.max_open_trades", 10)
	v.SetDefault("risk.max_trade_log_loss", 0.02)
	v.SetDefault("risk.max_portfolio_log_loss", 0.06)
	v.SetDefault("risk.daily_loss_limit_pct", 0.03)
	v.SetDefault("risk.weekly_loss_limit_pct", 0.06)

	v.SetDefault("exit.trailing_activation_pct", 0.02)
	v.SetDefault("exit.trailing_distance_pct", 0.03)
	v.SetDefault("exit.max_holding_days", 10)
	v.SetDefault("exit.exit_order_timeout", 10*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks required fields and value ranges. Production-specific
// gating (non-production URLs, debt registry) lives in the startup gate.
func (c *Config) Validate() error {
	switch c.RunMode {
	case RunFull, RunFeedCollector:
	default:
		return fmt.Errorf("run_mode must be FULL or FEED_COLLECTOR, got %q", c.RunMode)
	}
	switch c.ReleaseReadiness {
	case ReadinessBeta, ReadinessProd:
	default:
		return fmt.Errorf("release_readiness must be BETA or PROD_READY, got %q", c.ReleaseReadiness)
	}
	if c.DB.URL == "" {
		return fmt.Errorf("db.url is required (set MTF_DB_URL)")
	}
	if c.DataFeedBroker == "" {
		return fmt.Errorf("data_feed_broker is required")
	}
	if c.RunMode == RunFull && c.OrderBroker == "" {
		return fmt.Errorf("order_broker is required in FULL mode")
	}
	if c.Feed.PersistTickEvents && !c.Feed.AsyncEventWriterEnabled {
		return fmt.Errorf("feed.persist_tick_events requires feed.async_event_writer_enabled")
	}
	if c.Engine.TradePartitions <= 0 || c.Engine.SignalPartitions <= 0 {
		return fmt.Errorf("engine partitions must be > 0")
	}
	if c.Engine.BrokerPermits <= 0 {
		return fmt.Errorf("engine.broker_permits must be > 0")
	}
	if c.Exit.TrailingActivationPct <= 0 || c.Exit.TrailingDistancePct <= 0 {
		return fmt.Errorf("exit trailing percentages must be > 0")
	}
	if _, err := time.LoadLocation(c.Engine.ExchangeTimezone); err != nil {
		return fmt.Errorf("engine.exchange_timezone: %w", err)
	}
	return nil
}
