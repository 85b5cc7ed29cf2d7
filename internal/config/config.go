// Package config provides configuration management for the VI trader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "vi-trader/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Mode          string             `mapstructure:"mode"` // "live", "paper"
	Broker        BrokerConfig       `mapstructure:"broker"`
	Strategy      StrategyConfig     `mapstructure:"strategy"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Execution     ExecutionConfig    `mapstructure:"execution"`
	Symbols       SymbolsConfig      `mapstructure:"symbols"`
	Session       SessionConfig      `mapstructure:"session"`
	Engine        EngineConfig       `mapstructure:"engine"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Server        ServerConfig       `mapstructure:"server"`
	Journal       JournalConfig      `mapstructure:"journal"`
	Recorder      RecorderConfig     `mapstructure:"recorder"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// BrokerConfig holds KIS gateway settings.
type BrokerConfig struct {
	Live              bool          `mapstructure:"live"`
	RESTURL           string        `mapstructure:"rest_url"`
	WebsocketURL      string        `mapstructure:"websocket_url"`
	ViTR              string        `mapstructure:"vi_tr"`
	ViKey             string        `mapstructure:"vi_key"`
	TradeTR           string        `mapstructure:"trade_tr"`
	ReleaseAfter      time.Duration `mapstructure:"release_after"`
	MaxSubscriptions  int           `mapstructure:"max_subscriptions"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	FillPollInterval  time.Duration `mapstructure:"fill_poll_interval"`
	PaperInitialCash  float64       `mapstructure:"paper_initial_cash"`
}

// StrategyConfig holds entry and exit rule parameters.
type StrategyConfig struct {
	DecisionWindow      time.Duration `mapstructure:"decision_window"`
	MinPostReleaseTicks int           `mapstructure:"min_post_release_ticks"`
	WindowSize          int           `mapstructure:"window_size"`
	MinMomentumPct      float64       `mapstructure:"min_momentum_pct"`
	MinWindowVolume     int64         `mapstructure:"min_window_volume"`
	MaxSpreadPct        float64       `mapstructure:"max_spread_pct"`
	MaxChasePct         float64       `mapstructure:"max_chase_pct"`
	AllowDownsideVI     bool          `mapstructure:"allow_downside_vi"`
	OrderQuantity       int64         `mapstructure:"order_quantity"`
	OrderNotional       float64       `mapstructure:"order_notional"`
	UseLimitOrders      bool          `mapstructure:"use_limit_orders"`
	LimitSlippagePct    float64       `mapstructure:"limit_slippage_pct"`
	TakeProfitPct       float64       `mapstructure:"take_profit_pct"`
	MaxHoldTime         time.Duration `mapstructure:"max_hold_time"`
}

// RiskConfig holds risk management configuration.
type RiskConfig struct {
	StopLossPct            float64       `mapstructure:"stop_loss_pct"`
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
	Cooldown               time.Duration `mapstructure:"cooldown"`
}

// ExecutionConfig holds order submission settings.
type ExecutionConfig struct {
	GatewayTimeout   time.Duration        `mapstructure:"gateway_timeout"`
	EntryOrderTTL    time.Duration        `mapstructure:"entry_order_ttl"`
	Retry            RetryConfig          `mapstructure:"retry"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RecentOrderLimit int                  `mapstructure:"recent_order_limit"`
}

// RetryConfig holds the exit retry policy.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// CircuitBreakerConfig holds gateway circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// SymbolsConfig is the per-symbol enable/disable list. An empty enabled
// list allows every symbol not disabled.
type SymbolsConfig struct {
	Enabled  []string `mapstructure:"enabled"`
	Disabled []string `mapstructure:"disabled"`
}

// SessionConfig holds exchange session times.
type SessionConfig struct {
	Timezone  string   `mapstructure:"timezone"`
	Open      string   `mapstructure:"open"`
	Close     string   `mapstructure:"close"`
	FlattenAt string   `mapstructure:"flatten_at"`
	Holidays  []string `mapstructure:"holidays"`
}

// EngineConfig holds pipeline sizing.
type EngineConfig struct {
	Shards        int           `mapstructure:"shards"`
	ShardBuffer   int           `mapstructure:"shard_buffer"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	DedupDepth    int           `mapstructure:"dedup_depth"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Level     string         `mapstructure:"level"` // info, warning, critical
	QueueSize int            `mapstructure:"queue_size"`
	Terminal  bool           `mapstructure:"terminal"`
	Discord   DiscordConfig  `mapstructure:"discord"`
	Webhook   WebhookConfig  `mapstructure:"webhook"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
	Redis     RedisConfig    `mapstructure:"redis"`
}

// DiscordConfig holds Discord webhook settings.
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Username   string `mapstructure:"username"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// RedisConfig holds the Redis pub/sub channel settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// JournalConfig holds the SQLite journal settings.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RecorderConfig holds raw feed recording settings.
type RecorderConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds KIS account credentials.
type Credentials struct {
	AppKey             string `mapstructure:"app_key"`
	AppSecret          string `mapstructure:"app_secret"`
	AccountNumber      string `mapstructure:"account_number"`
	AccountProductCode string `mapstructure:"account_product_code"`
	HTSID              string `mapstructure:"hts_id"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/vi-trader"
	}
	return filepath.Join(home, ".config", "vi-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDerived(configDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	_ = v.Unmarshal(cfg)
	cfg.applyDerived(DefaultConfigDir())
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")

	v.SetDefault("broker.live", false)
	v.SetDefault("broker.vi_tr", "H0STCNT0")
	v.SetDefault("broker.vi_key", "")
	v.SetDefault("broker.trade_tr", "H0STASP0")
	v.SetDefault("broker.release_after", "120s")
	v.SetDefault("broker.max_subscriptions", 40)
	v.SetDefault("broker.reconnect_attempts", 3)
	v.SetDefault("broker.reconnect_delay", "5s")
	v.SetDefault("broker.request_timeout", "5s")
	v.SetDefault("broker.fill_poll_interval", "1s")
	v.SetDefault("broker.paper_initial_cash", 10000000.0)

	v.SetDefault("strategy.decision_window", "5s")
	v.SetDefault("strategy.min_post_release_ticks", 3)
	v.SetDefault("strategy.window_size", 64)
	v.SetDefault("strategy.min_momentum_pct", 1.0)
	v.SetDefault("strategy.min_window_volume", 0)
	v.SetDefault("strategy.max_spread_pct", 0.5)
	v.SetDefault("strategy.max_chase_pct", 0.0)
	v.SetDefault("strategy.allow_downside_vi", false)
	v.SetDefault("strategy.order_quantity", 0)
	v.SetDefault("strategy.order_notional", 1000000.0)
	v.SetDefault("strategy.use_limit_orders", false)
	v.SetDefault("strategy.limit_slippage_pct", 0.3)
	v.SetDefault("strategy.take_profit_pct", 3.0)
	v.SetDefault("strategy.max_hold_time", "10m")

	v.SetDefault("risk.stop_loss_pct", 5.0)
	v.SetDefault("risk.max_concurrent_positions", 3)
	v.SetDefault("risk.cooldown", "10m")

	v.SetDefault("execution.gateway_timeout", "3s")
	v.SetDefault("execution.entry_order_ttl", "30s")
	v.SetDefault("execution.recent_order_limit", 200)
	v.SetDefault("execution.retry.max_attempts", 5)
	v.SetDefault("execution.retry.initial_delay", "200ms")
	v.SetDefault("execution.retry.max_delay", "5s")
	v.SetDefault("execution.retry.multiplier", 2.0)
	v.SetDefault("execution.circuit_breaker.failure_threshold", 5)
	v.SetDefault("execution.circuit_breaker.success_threshold", 1)
	v.SetDefault("execution.circuit_breaker.timeout", "15s")

	v.SetDefault("session.timezone", "Asia/Seoul")
	v.SetDefault("session.open", "09:00")
	v.SetDefault("session.close", "15:30")
	v.SetDefault("session.flatten_at", "15:20")

	v.SetDefault("engine.shards", 8)
	v.SetDefault("engine.shard_buffer", 1024)
	v.SetDefault("engine.sweep_interval", "250ms")
	v.SetDefault("engine.dedup_depth", 256)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.level", "info")
	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.terminal", true)
	v.SetDefault("notifications.discord.username", "VI Monitor")
	v.SetDefault("notifications.redis.addr", "localhost:6379")
	v.SetDefault("notifications.redis.channel", "vi-trader:events")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", "127.0.0.1:8088")

	v.SetDefault("journal.enabled", true)
	v.SetDefault("recorder.enabled", false)
	v.SetDefault("recorder.max_size", 200)
	v.SetDefault("recorder.max_backups", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Config file not found, create template and continue on defaults
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetDefault("account_product_code", "01")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplateCredentials(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// KIS credentials, same names the monitor has always read
	if v := os.Getenv("APP_KEY"); v != "" {
		cfg.Credentials.AppKey = v
	}
	if v := os.Getenv("APP_SECRET"); v != "" {
		cfg.Credentials.AppSecret = v
	}
	if v := os.Getenv("CANO"); v != "" {
		cfg.Credentials.AccountNumber = v
	}
	if v := os.Getenv("ACNT_PRDT_CD"); v != "" {
		cfg.Credentials.AccountProductCode = v
	}
	if v := os.Getenv("HTS_ID"); v != "" {
		cfg.Credentials.HTSID = v
	}
	if v := os.Getenv("IS_LIVE"); v != "" {
		if live, err := strconv.ParseBool(v); err == nil {
			cfg.Broker.Live = live
		}
	}

	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Notifications.Discord.WebhookURL = v
		cfg.Notifications.Discord.Enabled = true
	}

	if v := os.Getenv("VITRADER_MODE"); v != "" {
		cfg.Mode = v
	}
}

func (c *Config) applyDerived(configDir string) {
	if c.Broker.RESTURL == "" {
		if c.Broker.Live {
			c.Broker.RESTURL = "https://openapi.koreainvestment.com:9443"
		} else {
			c.Broker.RESTURL = "https://openapivts.koreainvestment.com:29443"
		}
	}
	if c.Broker.WebsocketURL == "" {
		if c.Broker.Live {
			c.Broker.WebsocketURL = "ws://ops.koreainvestment.com:21000"
		} else {
			c.Broker.WebsocketURL = "ws://ops.koreainvestment.com:31000"
		}
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(configDir, "journal.db")
	}
	if c.Recorder.Path == "" {
		c.Recorder.Path = filepath.Join(configDir, "recordings", "feed.jsonl")
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(configDir, "logs", "vi_monitor.log")
	}
	for i, s := range c.Symbols.Enabled {
		c.Symbols.Enabled[i] = strings.TrimSpace(s)
	}
	for i, s := range c.Symbols.Disabled {
		c.Symbols.Disabled[i] = strings.TrimSpace(s)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Mode != "live" && c.Mode != "paper" {
		return invalid("invalid mode: %s (must be 'live' or 'paper')", c.Mode)
	}

	if c.Strategy.DecisionWindow <= 0 {
		return invalid("strategy.decision_window must be positive")
	}
	if c.Strategy.MinPostReleaseTicks < 1 {
		return invalid("strategy.min_post_release_ticks must be at least 1")
	}
	if c.Strategy.WindowSize < c.Strategy.MinPostReleaseTicks {
		return invalid("strategy.window_size (%d) must be >= min_post_release_ticks (%d)",
			c.Strategy.WindowSize, c.Strategy.MinPostReleaseTicks)
	}
	if c.Strategy.OrderQuantity <= 0 && c.Strategy.OrderNotional <= 0 {
		return invalid("one of strategy.order_quantity or strategy.order_notional must be positive")
	}
	if c.Strategy.MinMomentumPct < 0 || c.Strategy.MaxSpreadPct < 0 || c.Strategy.MaxChasePct < 0 {
		return invalid("strategy percentages must be non-negative")
	}

	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 100 {
		return invalid("risk.stop_loss_pct must be between 0 and 100")
	}
	if c.Risk.MaxConcurrentPositions < 1 {
		return invalid("risk.max_concurrent_positions must be at least 1")
	}
	if c.Risk.Cooldown < 0 {
		return invalid("risk.cooldown must be non-negative")
	}

	if c.Execution.GatewayTimeout <= 0 {
		return invalid("execution.gateway_timeout must be positive")
	}
	if c.Execution.Retry.MaxAttempts < 1 {
		return invalid("execution.retry.max_attempts must be at least 1")
	}
	if c.Execution.Retry.Multiplier < 1 {
		return invalid("execution.retry.multiplier must be >= 1")
	}

	if c.Mode == "live" {
		if c.Credentials.AppKey == "" || c.Credentials.AppSecret == "" {
			return invalid("live mode requires app_key and app_secret")
		}
		if c.Credentials.AccountNumber == "" {
			return invalid("live mode requires account_number")
		}
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Mode == "paper"
}

// SymbolAllowed reports whether symbol passes the enable/disable list.
func (c *Config) SymbolAllowed(symbol string) bool {
	for _, s := range c.Symbols.Disabled {
		if s == symbol {
			return false
		}
	}
	if len(c.Symbols.Enabled) == 0 {
		return true
	}
	for _, s := range c.Symbols.Enabled {
		if s == symbol {
			return true
		}
	}
	return false
}
