package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`

	SubscriptionsFile string `mapstructure:"subscriptions_file"`
	ExportSinksFile   string `mapstructure:"export_sinks_file"`

	PollIntervalSeconds    int64         `mapstructure:"poll_interval"`
	PollInterval           time.Duration `mapstructure:"-"`
	FreshnessWindowSeconds int64         `mapstructure:"freshness_window_seconds"`
	FreshnessWindow        time.Duration `mapstructure:"-"`
	SourceBatchSize        int           `mapstructure:"source_batch_size"`
	SourceBatchPauseSecs   int64         `mapstructure:"source_batch_pause_seconds"`
	SourceBatchPause       time.Duration `mapstructure:"-"`

	HTTPTimeoutSeconds int64         `mapstructure:"http_timeout_seconds"`
	HTTPTimeout        time.Duration `mapstructure:"-"`

	DataDir     string `mapstructure:"data_dir"`
	DownloadDir string `mapstructure:"download_dir"`

	StorageType string `mapstructure:"storage_type"`
	BBoltPath   string `mapstructure:"bbolt_path"`

	BotToken   string `mapstructure:"bot_token"`
	BotAPIBase string `mapstructure:"bot_api_base"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "clipherd-courier")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("subscriptions_file", "./configs/subscriptions.yaml")
	v.SetDefault("export_sinks_file", "")
	v.SetDefault("poll_interval", 200) // seconds
	v.SetDefault("freshness_window_seconds", int64((24*time.Hour)/time.Second))
	v.SetDefault("source_batch_size", 10)
	v.SetDefault("source_batch_pause_seconds", 10)
	v.SetDefault("http_timeout_seconds", 15)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("download_dir", "./data/downloads")
	v.SetDefault("storage_type", "bbolt")
	v.SetDefault("bbolt_path", "./data/state.db")
	v.SetDefault("bot_api_base", "https://api.telegram.org")
	v.SetDefault("metrics_addr", "")

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.PollIntervalSeconds <= 0 {
		return nil, fmt.Errorf("invalid poll_interval (must be positive seconds)")
	}
	cfg.PollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second

	if cfg.FreshnessWindowSeconds <= 0 {
		return nil, fmt.Errorf("invalid freshness_window_seconds (must be positive seconds)")
	}
	cfg.FreshnessWindow = time.Duration(cfg.FreshnessWindowSeconds) * time.Second

	if cfg.SourceBatchSize <= 0 {
		return nil, fmt.Errorf("invalid source_batch_size (must be positive)")
	}
	if cfg.SourceBatchPauseSecs < 0 {
		return nil, fmt.Errorf("invalid source_batch_pause_seconds (must not be negative)")
	}
	cfg.SourceBatchPause = time.Duration(cfg.SourceBatchPauseSecs) * time.Second

	if cfg.HTTPTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid http_timeout_seconds (must be positive seconds)")
	}
	cfg.HTTPTimeout = time.Duration(cfg.HTTPTimeoutSeconds) * time.Second

	return &cfg, nil
}
