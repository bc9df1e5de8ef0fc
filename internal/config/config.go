package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"whale-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Subgraph  SubgraphConfig  `mapstructure:"subgraph"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Tiers     TiersConfig     `mapstructure:"tiers"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig selects the record log backend.
type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	CSVPath    string `mapstructure:"csv_path"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// SubgraphConfig covers the upstream GraphQL endpoint.
type SubgraphConfig struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// EthereumConfig enables the optional chain head probe.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PollerConfig tunes each poll cycle.
type PollerConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MinMagnitudeUSD float64       `mapstructure:"min_magnitude_usd"`
	InterBatchDelay time.Duration `mapstructure:"inter_batch_delay"`
	ErrorCooldown   time.Duration `mapstructure:"error_cooldown"`
	StartPosition   int64         `mapstructure:"start_position"`
	UnitTimeout     time.Duration `mapstructure:"unit_timeout"`
	Concurrent      bool          `mapstructure:"concurrent"`
	Streams         []string      `mapstructure:"streams"`
}

// RetryConfig is the fetch backoff policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TiersConfig holds the ascending USD thresholds.
type TiersConfig struct {
	Tier1USD float64 `mapstructure:"tier1_usd"`
	Tier2USD float64 `mapstructure:"tier2_usd"`
	Tier3USD float64 `mapstructure:"tier3_usd"`
}

// Thresholds returns the thresholds as decimals.
func (t TiersConfig) Thresholds() (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	return decimal.NewFromFloat(t.Tier1USD), decimal.NewFromFloat(t.Tier2USD), decimal.NewFromFloat(t.Tier3USD)
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Destination   string         `mapstructure:"destination"`
	ExplorerTxURL string         `mapstructure:"explorer_tx_url"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	Discord       DiscordConfig  `mapstructure:"discord"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// DiscordConfig configures the Discord bot sink.
type DiscordConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BotToken  string `mapstructure:"bot_token"`
	ChannelID string `mapstructure:"channel_id"`
	APIBase   string `mapstructure:"api_base"`
}

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes the status and metrics server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WHALEWATCH")
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
	v.SetDefault("app.name", "whalewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("storage.driver", "csv")
	v.SetDefault("storage.sqlite_path", "whalewatch.db")
	v.SetDefault("storage.csv_path", "whalewatch_records.csv")

	v.SetDefault("scheduler.interval", "15s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7768616c))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("subgraph.url", "")
	v.SetDefault("subgraph.request_timeout", "30s")
	v.SetDefault("subgraph.user_agent", "whalewatch/1.0")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("poller.batch_size", 25)
	v.SetDefault("poller.min_magnitude_usd", 0.0)
	v.SetDefault("poller.inter_batch_delay", "2s")
	v.SetDefault("poller.error_cooldown", "5s")
	v.SetDefault("poller.start_position", int64(0))
	v.SetDefault("poller.unit_timeout", "30s")
	v.SetDefault("poller.concurrent", false)
	v.SetDefault("poller.streams", []string{"additions", "withdrawals"})

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "60s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", "10m")

	v.SetDefault("tiers.tier1_usd", 1000.0)
	v.SetDefault("tiers.tier2_usd", 10000.0)
	v.SetDefault("tiers.tier3_usd", 50000.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.destination", "")
	v.SetDefault("alerting.explorer_tx_url", "https://etherscan.io/tx/")
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.discord.enabled", false)
	v.SetDefault("alerting.discord.bot_token", "")
	v.SetDefault("alerting.discord.channel_id", "")
	v.SetDefault("alerting.discord.api_base", "https://discord.com/api/v10")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("export.max_data_points", 100000)

	// secrets and endpoints need a default so env overrides are picked up by Unmarshal
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
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

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if strings.TrimSpace(c.Subgraph.URL) == "" {
		return fmt.Errorf("subgraph.url is required")
	}
	if c.Poller.BatchSize <= 0 {
		return fmt.Errorf("poller.batch_size must be greater than zero")
	}
	if c.Poller.MinMagnitudeUSD < 0 {
		return fmt.Errorf("poller.min_magnitude_usd cannot be negative")
	}
	if c.Poller.InterBatchDelay < 0 || c.Poller.ErrorCooldown < 0 || c.Poller.UnitTimeout < 0 {
		return fmt.Errorf("poller delays cannot be negative")
	}
	if c.Poller.StartPosition < 0 {
		return fmt.Errorf("poller.start_position cannot be negative")
	}
	if len(c.Poller.Streams) == 0 {
		return fmt.Errorf("poller.streams must list at least one stream")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be greater than zero")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry.max_delay cannot be negative")
	}
	if !(c.Tiers.Tier1USD > 0 && c.Tiers.Tier1USD < c.Tiers.Tier2USD && c.Tiers.Tier2USD < c.Tiers.Tier3USD) {
		return fmt.Errorf("tiers must satisfy 0 < tier1_usd < tier2_usd < tier3_usd")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case "csv":
		if c.Storage.CSVPath == "" {
			return fmt.Errorf("storage.csv_path is required for the csv driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be one of postgres, sqlite, csv, memory")
	}

	if c.Alerting.Discord.Enabled {
		if c.Alerting.Discord.BotToken == "" {
			return fmt.Errorf("alerting.discord.bot_token is required")
		}
		if c.Alerting.Discord.ChannelID == "" && c.Alerting.Destination == "" {
			return fmt.Errorf("alerting.discord.channel_id is required")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" && c.Alerting.Destination == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
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
