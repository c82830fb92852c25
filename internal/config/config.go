package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	MetaAPI  MetaAPI  `mapstructure:"metaapi"`
	Sync     Sync     `mapstructure:"sync"`
	Limits   Limits   `mapstructure:"limits"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// MetaAPI holds the configuration for the external trading-platform API.
type MetaAPI struct {
	Token           string  `mapstructure:"token"`
	ClientBaseURL   string  `mapstructure:"client_base_url"`
	ProvisioningURL string  `mapstructure:"provisioning_url"`
	RequestTimeout  int     `mapstructure:"request_timeout"` // seconds
	RateLimit       float64 `mapstructure:"rate_limit"`      // requests per second
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

// Sync holds the scheduler and retry policy configuration.
type Sync struct {
	MaxRetries      int `mapstructure:"max_retries"`
	RetryDelayMin   int `mapstructure:"retry_delay_min"`   // minutes
	MaxConcurrent   int `mapstructure:"max_concurrent"`    // accounts per scheduler pass
	MinSyncInterval int `mapstructure:"min_sync_interval"` // seconds between syncs per account
	LookbackDays    int `mapstructure:"lookback_days"`     // deal history window when never synced
	ConnectTimeout  int `mapstructure:"connect_timeout"`   // seconds to wait for deploy+connect
	ConnectInterval int `mapstructure:"connect_interval"`  // seconds between connect polls
	TickInterval    int `mapstructure:"tick_interval"`     // seconds between scheduler passes (syncd)
}

// Limits holds inbound ingestion rate limits.
type Limits struct {
	WebhookPerMinute int `mapstructure:"webhook_per_minute"`
	CSVPerMinute     int `mapstructure:"csv_per_minute"`
	MaxBatchSize     int `mapstructure:"max_batch_size"`
}

// Server holds the configuration for the HTTP API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RetryDelay returns the delay before a retry attempt as a duration.
func (s Sync) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMin) * time.Minute
}

// MinInterval returns the per-account minimum sync interval as a duration.
func (s Sync) MinInterval() time.Duration {
	return time.Duration(s.MinSyncInterval) * time.Second
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("metaapi.client_base_url", "https://mt-client-api-v1.agiliumtrade.agiliumtrade.ai")
	viper.SetDefault("metaapi.provisioning_url", "https://mt-provisioning-api-v1.agiliumtrade.agiliumtrade.ai")
	viper.SetDefault("metaapi.request_timeout", 30)
	viper.SetDefault("metaapi.rate_limit", 10) // requests per second
	viper.SetDefault("metaapi.rate_limit_burst", 5)

	viper.SetDefault("sync.max_retries", 3)
	viper.SetDefault("sync.retry_delay_min", 5)
	viper.SetDefault("sync.max_concurrent", 10)
	viper.SetDefault("sync.min_sync_interval", 60)
	viper.SetDefault("sync.lookback_days", 7)
	viper.SetDefault("sync.connect_timeout", 60)
	viper.SetDefault("sync.connect_interval", 5)
	viper.SetDefault("sync.tick_interval", 60)

	viper.SetDefault("limits.webhook_per_minute", 100)
	viper.SetDefault("limits.csv_per_minute", 500)
	viper.SetDefault("limits.max_batch_size", 500)

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.dsn", "sync.db")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
