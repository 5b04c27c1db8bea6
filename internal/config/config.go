package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"liqwatcher/internal/layers"
	"liqwatcher/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Dispatcher    DispatcherConfig    `mapstructure:"dispatcher"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Rolling       RollingConfig       `mapstructure:"rolling"`
	Layers        LayersConfig        `mapstructure:"layers"`
	Confluence    ConfluenceConfig    `mapstructure:"confluence"`
	Verification  VerificationConfig  `mapstructure:"verification"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Export        ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string   `mapstructure:"name"`
	Environment string   `mapstructure:"environment"`
	Symbols     []string `mapstructure:"symbols"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Persistence is
// optional: an empty DSN runs the engine fully in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
}

// StreamConfig covers the liquidation stream connection.
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	Channels         []string      `mapstructure:"channels"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	JitterMax        time.Duration `mapstructure:"jitter_max"`
}

// DispatcherConfig bounds the event fan-out.
type DispatcherConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	ConsumerTimeout time.Duration `mapstructure:"consumer_timeout"`
}

// ProviderConfig captures market-data API connectivity.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// RollingConfig sizes the in-memory statistics windows.
type RollingConfig struct {
	Capacity   int           `mapstructure:"capacity"`
	MinSamples int           `mapstructure:"min_samples"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// LayersConfig holds one threshold document per evaluation layer.
type LayersConfig struct {
	InstitutionalBias layers.Thresholds `mapstructure:"institutional_bias"`
	FundingRate       layers.Thresholds `mapstructure:"funding_rate"`
	TakerRatio        layers.Thresholds `mapstructure:"taker_ratio"`
	OIROC             layers.Thresholds `mapstructure:"oi_roc"`
	LiqVolume         layers.Thresholds `mapstructure:"liquidation_volume"`
	ETFFlow           layers.Thresholds `mapstructure:"etf_flow"`
	ETFAssets         []string          `mapstructure:"etf_assets"`
	ETFLookbackDays   int               `mapstructure:"etf_lookback_days"`
	SkewRatio         float64           `mapstructure:"skew_ratio"`
}

// ConfluenceConfig tunes signal aggregation.
type ConfluenceConfig struct {
	WatchMin           int           `mapstructure:"watch_min"`
	ActionMin          int           `mapstructure:"action_min"`
	KillSwitchCooldown time.Duration `mapstructure:"kill_switch_cooldown"`
}

// VerificationConfig tunes large-event verification.
type VerificationConfig struct {
	MinNotionalUSD float64       `mapstructure:"min_notional_usd"`
	MinConfidence  float64       `mapstructure:"min_confidence"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// AlertingConfig defines alert routing and de-duplication.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	DedupTTL    time.Duration  `mapstructure:"dedup_ttl"`
	DedupBucket time.Duration  `mapstructure:"dedup_bucket"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ObservabilityConfig exposes the Prometheus endpoint.
type ObservabilityConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIQWATCHER")
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
	v.SetDefault("app.name", "liqwatcher")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.symbols", []string{"BTC", "ETH"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c697157))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", false)

	v.SetDefault("stream.url", "wss://open-ws.coinglass.com/ws")
	v.SetDefault("stream.channels", []string{"liquidationOrders"})
	v.SetDefault("stream.ping_interval", "20s")
	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.write_timeout", "10s")
	v.SetDefault("stream.initial_backoff", "1s")
	v.SetDefault("stream.max_backoff", "60s")
	v.SetDefault("stream.jitter_max", "500ms")

	v.SetDefault("dispatcher.queue_size", 1000)
	v.SetDefault("dispatcher.consumer_timeout", "30s")

	v.SetDefault("provider.base_url", "https://open-api.coinglass.com")
	v.SetDefault("provider.request_timeout", "10s")
	v.SetDefault("provider.user_agent", "liqwatcher/1.0")

	v.SetDefault("rolling.capacity", 720)
	v.SetDefault("rolling.min_samples", 20)
	v.SetDefault("rolling.cache_ttl", "15m")

	setLayerDefaults(v, "layers.institutional_bias", layers.Thresholds{
		ZWatch: 2, ZAction: 3, AbsWatch: 0.5, AbsAction: 1,
	})
	setLayerDefaults(v, "layers.funding_rate", layers.Thresholds{
		PWatch: 85, PAction: 95, AbsWatch: 8, AbsAction: 10, FloorWatch: 5, FloorAction: 8,
	})
	setLayerDefaults(v, "layers.taker_ratio", layers.Thresholds{
		PWatch: 85, PAction: 95, AbsWatch: 1.3, AbsAction: 1.6, FloorWatch: 1.15, FloorAction: 1.3,
	})
	setLayerDefaults(v, "layers.oi_roc", layers.Thresholds{
		PWatch: 85, PAction: 95, AbsWatch: 0.05, AbsAction: 0.1, FloorWatch: 0.02, FloorAction: 0.05,
	})
	setLayerDefaults(v, "layers.liquidation_volume", layers.Thresholds{
		PWatch: 95, PAction: 99, AbsWatch: 1_000_000, AbsAction: 5_000_000, FloorWatch: 500_000, FloorAction: 1_000_000,
	})
	setLayerDefaults(v, "layers.etf_flow", layers.Thresholds{
		PAction: 90, MAWindow: 7, MultWatch: 2, MultAction: 3, AbsWatch: 100_000_000, AbsAction: 300_000_000,
	})
	v.SetDefault("layers.etf_assets", []string{"BTC", "ETH"})
	v.SetDefault("layers.etf_lookback_days", 90)
	v.SetDefault("layers.skew_ratio", 2.0)

	v.SetDefault("confluence.watch_min", 2)
	v.SetDefault("confluence.action_min", 3)
	v.SetDefault("confluence.kill_switch_cooldown", "30m")

	v.SetDefault("verification.min_notional_usd", 50000.0)
	v.SetDefault("verification.min_confidence", 70.0)
	v.SetDefault("verification.query_timeout", "10s")
	v.SetDefault("verification.cache_ttl", "10m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.dedup_ttl", "1h")
	v.SetDefault("alerting.dedup_bucket", "5m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.listen_addr", ":9090")
	v.SetDefault("observability.metrics_path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func setLayerDefaults(v *viper.Viper, prefix string, t layers.Thresholds) {
	v.SetDefault(prefix+".p_watch", t.PWatch)
	v.SetDefault(prefix+".p_action", t.PAction)
	v.SetDefault(prefix+".abs_watch", t.AbsWatch)
	v.SetDefault(prefix+".abs_action", t.AbsAction)
	v.SetDefault(prefix+".floor_watch", t.FloorWatch)
	v.SetDefault(prefix+".floor_action", t.FloorAction)
	v.SetDefault(prefix+".z_watch", t.ZWatch)
	v.SetDefault(prefix+".z_action", t.ZAction)
	v.SetDefault(prefix+".ma_window", t.MAWindow)
	v.SetDefault(prefix+".mult_watch", t.MultWatch)
	v.SetDefault(prefix+".mult_action", t.MultAction)
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
	if len(c.App.Symbols) == 0 {
		return fmt.Errorf("app.symbols must list at least one symbol")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if c.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher.queue_size must be greater than zero")
	}
	if c.Rolling.Capacity <= 0 {
		return fmt.Errorf("rolling.capacity must be greater than zero")
	}
	if c.Rolling.MinSamples > c.Rolling.Capacity {
		return fmt.Errorf("rolling.min_samples cannot exceed rolling.capacity")
	}
	if c.Confluence.ActionMin < c.Confluence.WatchMin {
		return fmt.Errorf("confluence.action_min cannot be below confluence.watch_min")
	}
	if c.Verification.MinNotionalUSD < 0 {
		return fmt.Errorf("verification.min_notional_usd cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
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
