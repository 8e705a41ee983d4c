// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/luneth-sync/internal/catalog"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Image store backends.
const (
	ImagesLocal = "local"
	ImagesGCS   = "gcs"
)

// maxPageDepthCeiling bounds crawler.max_page_depth.
const maxPageDepthCeiling = 1000

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig holds the catalog site settings and the per-job defaults.
type CrawlerConfig struct {
	BaseURL             string              `mapstructure:"base_url"`
	StartURL            string              `mapstructure:"start_url"`
	UserAgent           string              `mapstructure:"user_agent"`
	RespectRobots       bool                `mapstructure:"respect_robots"`
	Render              bool                `mapstructure:"render"`
	MaxParallelRenders  int                 `mapstructure:"max_parallel_renders"`
	RenderBodyThreshold int                 `mapstructure:"render_body_threshold"`
	MaxPageDepth        int                 `mapstructure:"max_page_depth"`
	Job                 crawler.CrawlConfig `mapstructure:",squash"`
	Selectors           catalog.Selectors   `mapstructure:"selectors"`
}

// StorageConfig selects the record store and image store.
type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Images     string `mapstructure:"images"`
	ImageDir   string `mapstructure:"image_dir"`
	GCSBucket  string `mapstructure:"gcs_bucket"`
	GCSPrefix  string `mapstructure:"gcs_prefix"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// RemoteConfig holds the sync partner endpoint and credentials.
type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	TokenPath      string `mapstructure:"token_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	AuthRetries    uint   `mapstructure:"auth_retries"`
}

// DispatcherConfig sizes the task queue and worker pool.
type DispatcherConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Buffer   int  `mapstructure:"buffer"`
	Batch    int  `mapstructure:"batch"`
	// Blocking makes item events lossless too. Start and finished events are
	// never dropped.
	Blocking bool `mapstructure:"blocking"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	Tracing      bool    `mapstructure:"tracing"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LUNETH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("luneth")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.luneth")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("crawler.base_url", "https://catalog.example/")
	v.SetDefault("crawler.start_url", "https://catalog.example/")
	v.SetDefault("crawler.user_agent", "luneth-sync/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.render", true)
	v.SetDefault("crawler.max_parallel_renders", 1)
	v.SetDefault("crawler.render_body_threshold", 2048)
	v.SetDefault("crawler.max_page_depth", 120)
	v.SetDefault("crawler.headless", true)
	v.SetDefault("crawler.load_timeout_seconds", 30)
	v.SetDefault("crawler.request_delay_seconds", 1)
	v.SetDefault("crawler.webdriver_port", 0)
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "luneth.db")
	v.SetDefault("storage.images", ImagesLocal)
	v.SetDefault("storage.image_dir", "images")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("remote.token_path", "oauth/token")
	v.SetDefault("remote.timeout_seconds", 30)
	v.SetDefault("remote.auth_retries", 3)
	v.SetDefault("dispatcher.workers", 1)
	v.SetDefault("dispatcher.queue_depth", 64)
	v.SetDefault("progress.buffer", 1024)
	v.SetDefault("progress.batch", 64)
	v.SetDefault("progress.blocking", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "luneth-sync")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Dispatcher.Workers <= 0 {
		return errors.New("dispatcher.workers must be > 0")
	}
	if c.Dispatcher.QueueDepth <= 0 {
		return errors.New("dispatcher.queue_depth must be > 0")
	}
	if c.Crawler.MaxPageDepth <= 0 || c.Crawler.MaxPageDepth > maxPageDepthCeiling {
		return fmt.Errorf("crawler.max_page_depth must be in (0, %d]", maxPageDepthCeiling)
	}
	if c.Crawler.BaseURL == "" {
		return errors.New("crawler.base_url is required")
	}
	if c.Crawler.Render && c.Crawler.MaxParallelRenders < 0 {
		return errors.New("crawler.max_parallel_renders must be >= 0")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Storage.Images {
	case ImagesLocal:
		if c.Storage.ImageDir == "" {
			return errors.New("storage.image_dir is required for local images")
		}
	case ImagesGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket is required for gcs images")
		}
	default:
		return fmt.Errorf("unknown storage.images %q", c.Storage.Images)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// CrawlConfig returns the per-job crawler defaults.
func (c Config) CrawlConfig() crawler.CrawlConfig {
	return c.Crawler.Job
}

// RemoteTimeout converts remote.timeout_seconds into a duration.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// RequestTimeout converts server.request_timeout_seconds into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
