package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	State      StateConfig      `mapstructure:"state"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PolymarketConfig holds Polymarket API configuration
type PolymarketConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	GammaAPIURL  string        `mapstructure:"gamma_api_url"`
	DataAPIURL   string        `mapstructure:"data_api_url"`
	TagSlug      string        `mapstructure:"tag_slug"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RateLimit    float64       `mapstructure:"rate_limit"` // requests per second
	Burst        int           `mapstructure:"burst"`      // 0 = 2x rate_limit
	Timeout      time.Duration `mapstructure:"timeout"`
}

// KalshiConfig holds Kalshi API configuration
type KalshiConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	Categories   []string      `mapstructure:"categories"` // empty = all categories
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	Burst        int           `mapstructure:"burst"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RetryConfig holds the backoff policy shared by all venue fetchers
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// DetectorConfig holds anomaly detection thresholds
type DetectorConfig struct {
	ZThreshold            float64 `mapstructure:"z_threshold"`
	SpikeWindowMinutes    int     `mapstructure:"spike_window_minutes"`
	SpikePercentage       float64 `mapstructure:"spike_percentage"`
	VolumeSurgeMultiplier float64 `mapstructure:"volume_surge_multiplier"`
	RetentionHours        int     `mapstructure:"retention_hours"`
}

// TrackerConfig holds change tracking, market filter and trade tracking configuration
type TrackerConfig struct {
	ProbabilityChangeThreshold float64       `mapstructure:"probability_change_threshold"` // percentage points
	MinVolume                  float64       `mapstructure:"min_volume"`
	MaxSpread                  float64       `mapstructure:"max_spread"` // 0 = disabled
	ExcludeTags                []string      `mapstructure:"exclude_tags"`
	NotifyNewMarkets           bool          `mapstructure:"notify_new_markets"`
	TrackEventSlug             string        `mapstructure:"track_event_slug"`
	MinTradeUSD                float64       `mapstructure:"min_trade_usd"`
	TradePollInterval          time.Duration `mapstructure:"trade_poll_interval"`
	TradeLimit                 int           `mapstructure:"trade_limit"`
}

// StateConfig holds state file persistence configuration
type StateConfig struct {
	File         string        `mapstructure:"file"` // empty = ~/.oddswatch/state.json
	SaveInterval time.Duration `mapstructure:"save_interval"`
}

// StorageConfig holds the SQLite history configuration
type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	MaxMarkets int    `mapstructure:"max_markets"` // 0 = unbounded
	MaxSignals int    `mapstructure:"max_signals"` // 0 = unbounded
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	AllowedChats   []string      `mapstructure:"allowed_chats"`
	Enabled        bool          `mapstructure:"enabled"`
	SendStatus     bool          `mapstructure:"send_status"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SpikeWindow returns the spike window as a duration.
func (d DetectorConfig) SpikeWindow() time.Duration {
	return time.Duration(d.SpikeWindowMinutes) * time.Minute
}

// Retention returns the time series retention as a duration.
func (d DetectorConfig) Retention() time.Duration {
	return time.Duration(d.RetentionHours) * time.Hour
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable override, e.g. ODDSWATCH_TELEGRAM_BOT_TOKEN
	v.SetEnvPrefix("ODDSWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
// Every key needs a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	// Polymarket defaults
	v.SetDefault("polymarket.enabled", true)
	v.SetDefault("polymarket.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.data_api_url", "https://data-api.polymarket.com")
	v.SetDefault("polymarket.tag_slug", "")
	v.SetDefault("polymarket.poll_interval", "60s")
	v.SetDefault("polymarket.rate_limit", 10.0)
	v.SetDefault("polymarket.burst", 0)
	v.SetDefault("polymarket.timeout", "30s")

	// Kalshi defaults
	v.SetDefault("kalshi.enabled", true)
	v.SetDefault("kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.categories", []string{"Politics", "World"})
	v.SetDefault("kalshi.poll_interval", "60s")
	v.SetDefault("kalshi.rate_limit", 5.0)
	v.SetDefault("kalshi.burst", 0)
	v.SetDefault("kalshi.timeout", "30s")

	// Retry defaults
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_retries", 5)

	// Detector defaults
	v.SetDefault("detector.z_threshold", 2.0)
	v.SetDefault("detector.spike_window_minutes", 15)
	v.SetDefault("detector.spike_percentage", 10.0)
	v.SetDefault("detector.volume_surge_multiplier", 3.0)
	v.SetDefault("detector.retention_hours", 24)

	// Tracker defaults
	v.SetDefault("tracker.probability_change_threshold", 1.0)
	v.SetDefault("tracker.min_volume", 250000.0)
	v.SetDefault("tracker.max_spread", 0.0)
	v.SetDefault("tracker.exclude_tags", []string{})
	v.SetDefault("tracker.notify_new_markets", false)
	v.SetDefault("tracker.track_event_slug", "")
	v.SetDefault("tracker.min_trade_usd", 1000.0)
	v.SetDefault("tracker.trade_poll_interval", "30s")
	v.SetDefault("tracker.trade_limit", 500)

	// State defaults
	v.SetDefault("state.file", "")
	v.SetDefault("state.save_interval", "5m")

	// Storage defaults
	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.max_markets", 10000)
	v.SetDefault("storage.max_signals", 5000)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.allowed_chats", []string{})
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.send_status", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "2s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if !c.Polymarket.Enabled && !c.Kalshi.Enabled {
		return errors.New("at least one of polymarket.enabled or kalshi.enabled must be true")
	}

	// Validate Polymarket config
	if c.Polymarket.Enabled {
		if c.Polymarket.GammaAPIURL == "" {
			return fmt.Errorf("polymarket.gamma_api_url is required")
		}
		if c.Polymarket.PollInterval < time.Second {
			return fmt.Errorf("polymarket.poll_interval must be at least 1 second")
		}
		if c.Polymarket.RateLimit <= 0 {
			return fmt.Errorf("polymarket.rate_limit must be positive")
		}
		if c.Polymarket.Burst < 0 {
			return fmt.Errorf("polymarket.burst must not be negative")
		}
	}

	// Validate Kalshi config
	if c.Kalshi.Enabled {
		if c.Kalshi.BaseURL == "" {
			return fmt.Errorf("kalshi.base_url is required")
		}
		if c.Kalshi.PollInterval < time.Second {
			return fmt.Errorf("kalshi.poll_interval must be at least 1 second")
		}
		if c.Kalshi.RateLimit <= 0 {
			return fmt.Errorf("kalshi.rate_limit must be positive")
		}
		if c.Kalshi.Burst < 0 {
			return fmt.Errorf("kalshi.burst must not be negative")
		}
	}

	// Validate Retry config
	if c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry.initial_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.initial_delay")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1")
	}

	// Validate Detector config
	if c.Detector.ZThreshold <= 0 {
		return fmt.Errorf("detector.z_threshold must be positive")
	}
	if c.Detector.SpikeWindowMinutes < 1 {
		return fmt.Errorf("detector.spike_window_minutes must be at least 1")
	}
	if c.Detector.SpikePercentage <= 0 {
		return fmt.Errorf("detector.spike_percentage must be positive")
	}
	if c.Detector.VolumeSurgeMultiplier <= 1 {
		return fmt.Errorf("detector.volume_surge_multiplier must be greater than 1")
	}
	if c.Detector.RetentionHours < 1 {
		return fmt.Errorf("detector.retention_hours must be at least 1")
	}

	// Validate Tracker config
	if c.Tracker.ProbabilityChangeThreshold < 0 {
		return fmt.Errorf("tracker.probability_change_threshold must not be negative")
	}
	if c.Tracker.MinVolume < 0 {
		return fmt.Errorf("tracker.min_volume must not be negative")
	}
	if c.Tracker.MaxSpread < 0 || c.Tracker.MaxSpread > 1 {
		return fmt.Errorf("tracker.max_spread must be between 0.0 and 1.0")
	}
	if c.Tracker.TrackEventSlug != "" {
		if !c.Polymarket.Enabled {
			return fmt.Errorf("tracker.track_event_slug requires polymarket.enabled")
		}
		if c.Tracker.MinTradeUSD < 0 {
			return fmt.Errorf("tracker.min_trade_usd must not be negative")
		}
		if c.Tracker.TradePollInterval < time.Second {
			return fmt.Errorf("tracker.trade_poll_interval must be at least 1 second")
		}
		if c.Tracker.TradeLimit < 1 {
			return fmt.Errorf("tracker.trade_limit must be at least 1")
		}
	}

	// Validate State config
	if c.State.SaveInterval < time.Second {
		return fmt.Errorf("state.save_interval must be at least 1 second")
	}

	// Validate Storage config
	if c.Storage.MaxMarkets < 0 {
		return fmt.Errorf("storage.max_markets must not be negative")
	}
	if c.Storage.MaxSignals < 0 {
		return fmt.Errorf("storage.max_signals must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.MaxRetries < 1 {
			return fmt.Errorf("telegram.max_retries must be at least 1")
		}
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
