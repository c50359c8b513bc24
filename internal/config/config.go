package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tick-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Feed        FeedConfig        `mapstructure:"feed"`
	History     HistoryConfig     `mapstructure:"history"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata and the symbols to watch.
type AppConfig struct {
	Name        string   `mapstructure:"name"`
	Environment string   `mapstructure:"environment"`
	Symbols     []string `mapstructure:"symbols"`
}

// FeedConfig governs the streaming connection per symbol.
type FeedConfig struct {
	URLTemplate      string        `mapstructure:"url_template"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	CapDelay         time.Duration `mapstructure:"cap_delay"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
}

// HistoryConfig bounds the rolling tick window and its cold-start seed.
type HistoryConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	SeedLimit    int           `mapstructure:"seed_limit"`
	SeedBaseURL  string        `mapstructure:"seed_base_url"`
	SeedInterval string        `mapstructure:"seed_interval"`
	SeedTimeout  time.Duration `mapstructure:"seed_timeout"`
}

// RulesConfig locates the durable rules document.
type RulesConfig struct {
	// Store is "file" or "postgres"; postgres requires database.dsn.
	Store string `mapstructure:"store"`
	Path  string `mapstructure:"path"`
}

// PipelineConfig sizes the evaluation hand-off.
type PipelineConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

// AlertingConfig defines channel adapters and failure handling.
type AlertingConfig struct {
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

// BreakerConfig tunes the per-channel circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures int           `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// WebhookConfig backs the push channel.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MaintenanceConfig drives the periodic flush/prune loop.
type MaintenanceConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StartupDelay   time.Duration `mapstructure:"startup_delay"`
	AlertRetention time.Duration `mapstructure:"alert_retention"`
}

// MetricsConfig exposes the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Prefix  string `mapstructure:"prefix"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TICKWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tickwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("feed.url_template", "wss://stream.binance.com:9443/ws/%s@trade")
	v.SetDefault("feed.handshake_timeout", "5s")
	v.SetDefault("feed.read_timeout", "30s")
	v.SetDefault("feed.base_delay", "1s")
	v.SetDefault("feed.cap_delay", "30s")
	v.SetDefault("feed.max_attempts", 5)

	v.SetDefault("history.capacity", 100)
	v.SetDefault("history.seed_limit", 20)
	v.SetDefault("history.seed_base_url", "https://api.binance.com")
	v.SetDefault("history.seed_interval", "1m")
	v.SetDefault("history.seed_timeout", "10s")

	v.SetDefault("rules.store", "file")
	v.SetDefault("rules.path", "rules.json")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 1024)
	v.SetDefault("pipeline.dispatch_timeout", "30s")

	v.SetDefault("alerting.breaker.consecutive_failures", 5)
	v.SetDefault("alerting.breaker.open_timeout", "1m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("maintenance.interval", "1m")
	v.SetDefault("maintenance.startup_delay", "10s")
	v.SetDefault("maintenance.alert_retention", "720h")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9108")
	v.SetDefault("metrics.prefix", "tickwatcher")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Feed.URLTemplate == "" {
		return fmt.Errorf("feed.url_template must be set")
	}
	if !strings.Contains(c.Feed.URLTemplate, "%s") {
		return fmt.Errorf("feed.url_template must contain a %%s symbol placeholder")
	}
	if c.Feed.MaxAttempts <= 0 {
		return fmt.Errorf("feed.max_attempts must be greater than zero")
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be greater than zero")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be greater than zero")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be greater than zero")
	}
	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	switch c.Rules.Store {
	case "file":
		if c.Rules.Path == "" {
			return fmt.Errorf("rules.path must be set for the file store")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("rules.store=postgres requires database.dsn")
		}
	default:
		return fmt.Errorf("rules.store must be \"file\" or \"postgres\"")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url must be set when the webhook channel is enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
