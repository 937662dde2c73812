package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"carbon-price-collector/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Status    StatusConfig    `mapstructure:"status"`
	Adapters  AdaptersConfig  `mapstructure:"adapters"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs task cadence and the task-level retry policy.
type SchedulerConfig struct {
	MaxTaskRetries    int               `mapstructure:"max_task_retries"`
	RetryDelay        time.Duration     `mapstructure:"retry_delay"`
	HistoryCapacity   int               `mapstructure:"history_capacity"`
	RunOnStart        bool              `mapstructure:"run_on_start"`
	AdvisoryLockKey   int64             `mapstructure:"advisory_lock_key"`
	PriorLookbackDays int               `mapstructure:"prior_lookback_days"`
	Schedules         map[string]string `mapstructure:"schedules"`
	DisabledTasks     []string          `mapstructure:"disabled_tasks"`
}

// FetchConfig shapes the source HTTP client.
type FetchConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryCount     int           `mapstructure:"retry_count"`
	Backoff        time.Duration `mapstructure:"backoff"`
	UserAgent      string        `mapstructure:"user_agent"`
	SlowThreshold  time.Duration `mapstructure:"slow_threshold"`
}

// BrowserConfig toggles headless Chrome for JS-rendered pages.
type BrowserConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	Screenshot  bool          `mapstructure:"screenshot"`
}

// SinkConfig points at the platform import API.
type SinkConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	HistoryEndpoint string        `mapstructure:"history_endpoint"`
	SourceName      string        `mapstructure:"source_name"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig 描述通用 webhook 告警参数。
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StatusConfig configures the operator HTTP API.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	// URL is where CLI commands reach a running collector.
	URL string `mapstructure:"url"`
}

// AdaptersConfig holds per-market source locations.
type AdaptersConfig struct {
	CEA  TableSourceConfig `mapstructure:"cea"`
	CCER TableSourceConfig `mapstructure:"ccer"`
	CCA  ListSourceConfig  `mapstructure:"cca"`
	CDR  ListSourceConfig  `mapstructure:"cdr"`
}

// TableSourceConfig describes an HTML quote table and an optional JSON API.
type TableSourceConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	PageURL     string `mapstructure:"page_url"`
	RowSelector string `mapstructure:"row_selector"`
	APIURL      string `mapstructure:"api_url"`
	DateCol     int    `mapstructure:"date_col"`
	PriceCol    int    `mapstructure:"price_col"`
	VolumeCol   int    `mapstructure:"volume_col"`
}

// ListSourceConfig lists interchangeable endpoints of the same format.
type ListSourceConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URLs    []string `mapstructure:"urls"`
}

// Settings is the explicit set of knobs the collection core is constructed with.
type Settings struct {
	SinkEndpoint    string
	RequestTimeout  time.Duration
	FetchRetryCount int
	MaxTaskRetries  int
	HistoryCapacity int
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CARBONCOLLECTOR")
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
	v.SetDefault("app.name", "carbon-price-collector")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.max_task_retries", 3)
	v.SetDefault("scheduler.retry_delay", "5m")
	v.SetDefault("scheduler.history_capacity", 1000)
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x43415242))
	v.SetDefault("scheduler.prior_lookback_days", 7)

	v.SetDefault("fetch.request_timeout", "15s")
	v.SetDefault("fetch.retry_count", 2)
	v.SetDefault("fetch.backoff", "500ms")
	v.SetDefault("fetch.slow_threshold", "5s")

	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.timeout", "30s")
	v.SetDefault("browser.settle_delay", "2s")
	v.SetDefault("browser.screenshot", true)

	v.SetDefault("sink.endpoint", "http://localhost:3000/api/import")
	v.SetDefault("sink.source_name", "carbon-collector")
	v.SetDefault("sink.timeout", "30s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.addr", "127.0.0.1:8089")
	v.SetDefault("status.url", "http://127.0.0.1:8089")

	v.SetDefault("adapters.cea.enabled", true)
	v.SetDefault("adapters.cea.page_url", "https://www.cneeex.com/qgtpfqjy/mrgk/")
	v.SetDefault("adapters.cea.row_selector", "table tbody tr")
	v.SetDefault("adapters.cea.date_col", 0)
	v.SetDefault("adapters.cea.price_col", 5)
	v.SetDefault("adapters.cea.volume_col", 6)

	v.SetDefault("adapters.ccer.enabled", true)
	v.SetDefault("adapters.ccer.page_url", "https://www.cbeex.com.cn/article/ccer/")
	v.SetDefault("adapters.ccer.row_selector", "table tbody tr")
	v.SetDefault("adapters.ccer.date_col", 0)
	v.SetDefault("adapters.ccer.price_col", 1)
	v.SetDefault("adapters.ccer.volume_col", 2)

	v.SetDefault("adapters.cca.enabled", true)
	v.SetDefault("adapters.cca.urls", []string{})

	v.SetDefault("adapters.cdr.enabled", true)
	v.SetDefault("adapters.cdr.urls", []string{})
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
	if c.Scheduler.MaxTaskRetries <= 0 {
		return fmt.Errorf("scheduler.max_task_retries must be greater than zero")
	}
	if c.Scheduler.RetryDelay <= 0 {
		return fmt.Errorf("scheduler.retry_delay must be greater than zero")
	}
	if c.Scheduler.HistoryCapacity < 2 {
		return fmt.Errorf("scheduler.history_capacity must be at least 2")
	}
	if c.Fetch.RequestTimeout <= 0 {
		return fmt.Errorf("fetch.request_timeout must be greater than zero")
	}
	if c.Fetch.RetryCount < 0 {
		return fmt.Errorf("fetch.retry_count cannot be negative")
	}
	if strings.TrimSpace(c.Sink.Endpoint) == "" {
		return fmt.Errorf("sink.endpoint 必须配置")
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
		return fmt.Errorf("alerting.webhook.url 必须配置")
	}
	for _, ch := range c.Alerting.Channels {
		switch ch {
		case "log", "telegram", "webhook":
		default:
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
	}
	return nil
}

// SchedulerOptions projects the settings the collection core is constructed with.
func (c *Config) SchedulerOptions() Settings {
	return Settings{
		SinkEndpoint:    c.Sink.Endpoint,
		RequestTimeout:  c.Fetch.RequestTimeout,
		FetchRetryCount: c.Fetch.RetryCount,
		MaxTaskRetries:  c.Scheduler.MaxTaskRetries,
		HistoryCapacity: c.Scheduler.HistoryCapacity,
	}
}
