package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketrouter MarketrouterConfig `yaml:"marketrouter"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Router       RouterConfig       `yaml:"router"`
	Selector     SelectorConfig     `yaml:"selector"`
	Frequency    FrequencyConfig    `yaml:"frequency"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Cache        CacheConfig        `yaml:"cache"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Adaptive     AdaptiveConfig     `yaml:"adaptive"`
	Collection   CollectionConfig   `yaml:"collection"`
	Source       SourceConfig       `yaml:"source"`
	Storage      StorageConfig      `yaml:"storage"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type MarketrouterConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	ChannelUsage   bool   `yaml:"channel_usage"`
	DropMetrics    bool   `yaml:"drop_metrics"`
	PrometheusAddr string `yaml:"prometheus_addr"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type RouterConfig struct {
	WSWaitTimeout time.Duration `yaml:"ws_wait_timeout"`
	RESTTimeout   time.Duration `yaml:"rest_timeout"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type SelectorConfig struct {
	// WebSocketMargin is the hysteresis margin: the WebSocket score must
	// exceed the REST score by this much before the stream wins.
	WebSocketMargin     float64 `yaml:"websocket_margin"`
	HighFrequencyPerMin float64 `yaml:"high_frequency_per_min"`
	WeightRealtime      float64 `yaml:"weight_realtime"`
	WeightFrequency     float64 `yaml:"weight_frequency"`
	WeightHealth        float64 `yaml:"weight_health"`
	WeightRateBudget    float64 `yaml:"weight_rate_budget"`
	WeightVolume        float64 `yaml:"weight_volume"`
	WeightBatch         float64 `yaml:"weight_batch"`
}

type FrequencyConfig struct {
	WindowMinutes int           `yaml:"window_minutes"`
	RingSize      int           `yaml:"ring_size"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	PruneMaxAge   time.Duration `yaml:"prune_max_age"`
}

type RateLimitConfig struct {
	RESTWeightPerMinute int           `yaml:"rest_weight_per_minute"`
	WSOpsPerMinute      int           `yaml:"ws_ops_per_minute"`
	Window              time.Duration `yaml:"window"`
	RequestsPerSecond   int           `yaml:"requests_per_second"`
	BurstSize           int           `yaml:"burst_size"`
}

type CacheConfig struct {
	FastTTL       time.Duration `yaml:"fast_ttl"`
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	TickerTTL     time.Duration `yaml:"ticker_ttl"`
	OrderbookTTL  time.Duration `yaml:"orderbook_ttl"`
	TradesTTL     time.Duration `yaml:"trades_ttl"`
	CandlesTTL    time.Duration `yaml:"candles_ttl"`
}

type SubscriptionConfig struct {
	MaxSlots       int           `yaml:"max_slots"`
	DeclareTimeout time.Duration `yaml:"declare_timeout"`
}

type AdaptiveConfig struct {
	BatchThreshold  int     `yaml:"batch_threshold"`
	PressureWeight  float64 `yaml:"pressure_weight"`
	LowLatencyBonus float64 `yaml:"low_latency_bonus"`
	BatchBonus      float64 `yaml:"batch_bonus"`
}

type CollectionConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BackfillBatch   int           `yaml:"backfill_batch"`
	BackfillPause   time.Duration `yaml:"backfill_pause"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Exchange       string               `yaml:"exchange"`
	RESTBaseURL    string               `yaml:"rest_base_url"`
	WebSocketURL   string               `yaml:"websocket_url"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Heartbeat      time.Duration        `yaml:"heartbeat"`
	ReconnectDelay time.Duration        `yaml:"reconnect_delay"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.Database, ssl)
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			ChannelUsage: true,
			DropMetrics:  true,
		},
		Router: RouterConfig{
			WSWaitTimeout: 2 * time.Second,
			RESTTimeout:   5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         200 * time.Millisecond,
				MaxDelay:          2 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Selector: SelectorConfig{
			WebSocketMargin:     0.1,
			HighFrequencyPerMin: 10,
			WeightRealtime:      0.25,
			WeightFrequency:     0.25,
			WeightHealth:        0.2,
			WeightRateBudget:    0.15,
			WeightVolume:        0.1,
			WeightBatch:         0.05,
		},
		Frequency: FrequencyConfig{
			WindowMinutes: 5,
			RingSize:      256,
			PruneInterval: time.Hour,
			PruneMaxAge:   time.Hour,
		},
		RateLimit: RateLimitConfig{
			RESTWeightPerMinute: 1200,
			WSOpsPerMinute:      300,
			Window:              time.Minute,
			RequestsPerSecond:   10,
			BurstSize:           20,
		},
		Cache: CacheConfig{
			FastTTL:       200 * time.Millisecond,
			Capacity:      4096,
			SweepInterval: 30 * time.Second,
			TickerTTL:     200 * time.Millisecond,
			OrderbookTTL:  300 * time.Millisecond,
			TradesTTL:     30 * time.Second,
			CandlesTTL:    60 * time.Second,
		},
		Subscription: SubscriptionConfig{
			MaxSlots:       4,
			DeclareTimeout: 3 * time.Second,
		},
		Adaptive: AdaptiveConfig{
			BatchThreshold:  5,
			PressureWeight:  0.5,
			LowLatencyBonus: 0.5,
			BatchBonus:      0.5,
		},
		Collection: CollectionConfig{
			MaxAttempts:   5,
			BackfillBatch: 200,
			BackfillPause: 500 * time.Millisecond,
		},
		Source: SourceConfig{
			Heartbeat:      20 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Dashboard: DashboardConfig{
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override storage credentials from environment variables if available
	if config.Storage.Postgres.Enabled {
		if v := os.Getenv("PGHOST"); v != "" {
			config.Storage.Postgres.Host = strings.TrimSpace(v)
		}
		if v := os.Getenv("PGUSER"); v != "" {
			config.Storage.Postgres.User = strings.TrimSpace(v)
		}
		if v := os.Getenv("PGPASSWORD"); v != "" {
			config.Storage.Postgres.Password = strings.TrimSpace(v)
		}
		if v := os.Getenv("PGDATABASE"); v != "" {
			config.Storage.Postgres.Database = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Marketrouter.Name == "" {
		return fmt.Errorf("marketrouter.name is required")
	}

	if cfg.Marketrouter.Version == "" {
		return fmt.Errorf("marketrouter.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.Router.WSWaitTimeout <= 0 {
		return fmt.Errorf("router.ws_wait_timeout must be greater than 0")
	}
	if cfg.Router.RESTTimeout <= 0 {
		return fmt.Errorf("router.rest_timeout must be greater than 0")
	}
	if cfg.Router.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("router.retry.max_attempts must be greater than 0")
	}

	if cfg.Selector.WebSocketMargin < 0 {
		return fmt.Errorf("selector.websocket_margin must not be negative")
	}

	if cfg.RateLimit.RESTWeightPerMinute <= 0 {
		return fmt.Errorf("rate_limit.rest_weight_per_minute must be greater than 0")
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be greater than 0")
	}

	if cfg.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be greater than 0")
	}
	if cfg.Cache.FastTTL <= 0 {
		return fmt.Errorf("cache.fast_ttl must be greater than 0")
	}

	if cfg.Subscription.MaxSlots <= 0 {
		return fmt.Errorf("subscription.max_slots must be greater than 0")
	}

	if cfg.Source.RESTBaseURL == "" {
		return fmt.Errorf("source.rest_base_url is required")
	}
	if cfg.Source.WebSocketURL == "" {
		return fmt.Errorf("source.websocket_url is required")
	}

	if cfg.Storage.Postgres.Enabled {
		if cfg.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required when postgres is enabled")
		}
		if cfg.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.database is required when postgres is enabled")
		}
		if cfg.Storage.Postgres.User == "" {
			return fmt.Errorf("storage.postgres.user is required when postgres is enabled")
		}
	}

	return nil
}
