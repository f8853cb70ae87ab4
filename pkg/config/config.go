package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crmflow-go/pkg/logger"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	CRM      CRMConfig      `mapstructure:"crm"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Logger   logger.Config  `mapstructure:"logger"`
}

type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CRMConfig holds connection settings for the upstream CRM API that action
// handlers call.
type CRMConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	LocationID     string  `mapstructure:"location_id"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	RateBurst      int     `mapstructure:"rate_burst"`
}

type WebhookConfig struct {
	SigningSecret       string `mapstructure:"signing_secret"`
	APIKey              string `mapstructure:"api_key"`
	SignatureTTLSeconds int    `mapstructure:"signature_ttl_seconds"`
	AsyncDispatch       bool   `mapstructure:"async_dispatch"`
	DedupTTLSeconds     int    `mapstructure:"dedup_ttl_seconds"`
}

// DispatchConfig controls the durable dispatch queue and its background worker.
type DispatchConfig struct {
	WorkerEnabled       bool    `mapstructure:"worker_enabled"`
	PollIntervalSeconds float64 `mapstructure:"poll_interval_seconds"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	RetryBackoffSeconds int     `mapstructure:"retry_backoff_seconds"`
}

func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

func (c DispatchConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

func Load(path string) (*Config, error) {
	viper.SetConfigName("crmflow")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.AddConfigPath(path)
	}
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/crmflow")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("CRMFLOW")

	if err := viper.ReadInConfig(); err != nil {
		// Defaults plus env vars are enough when no config file exists.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 15)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "crmflow")
	viper.SetDefault("database.name", "crmflow")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("crm.timeout_seconds", 30)
	viper.SetDefault("crm.rate_per_second", 10)
	viper.SetDefault("crm.rate_burst", 20)

	viper.SetDefault("webhook.signature_ttl_seconds", 300)
	viper.SetDefault("webhook.async_dispatch", true)
	viper.SetDefault("webhook.dedup_ttl_seconds", 3600)

	viper.SetDefault("dispatch.worker_enabled", true)
	viper.SetDefault("dispatch.poll_interval_seconds", 2.0)
	viper.SetDefault("dispatch.max_attempts", 3)
	viper.SetDefault("dispatch.retry_backoff_seconds", 15)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
}
