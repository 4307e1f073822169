package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Tenants  []TenantConfig `mapstructure:"tenants"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	ReadOnly bool   `mapstructure:"read_only"`
}

type AuthConfig struct {
	RequireAPIKey bool   `mapstructure:"require_api_key"`
	APIKey        string `mapstructure:"api_key"`
	AdminKey      string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	DSN                       string `mapstructure:"dsn"`
	AuditRetentionDays        int    `mapstructure:"audit_retention_days"`
	IdempotencyRetentionHours int    `mapstructure:"idempotency_retention_hours"`
	CleanupIntervalMinutes    int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr                  string `mapstructure:"addr"`
	Password              string `mapstructure:"password"`
	DB                    int    `mapstructure:"db"`
	HaltStateKey          string `mapstructure:"halt_state_key"`
	IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
}

// BrokerConfig 选择并配置券商适配器。
// kind=mock 用于本地开发与测试；其余适配器走外部进程。
type BrokerConfig struct {
	Kind         string `mapstructure:"kind"` // mock | ibkr | phillip
	Address      string `mapstructure:"address"`
	FillStreamWS string `mapstructure:"fill_stream_ws"`
	AccountID    string `mapstructure:"account_id"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AuditConfig struct {
	LogDir string `mapstructure:"log_dir"`
}

type TenantConfig struct {
	ID     string         `mapstructure:"id"`
	Name   string         `mapstructure:"name"`
	APIKey string         `mapstructure:"api_key"`
	Tier   string         `mapstructure:"tier"`
	Mode   string         `mapstructure:"mode"`
	Risk   map[string]any `mapstructure:"risk"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. FOPGATE_DATABASE_DSN
	viper.SetEnvPrefix("fopgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("auth.require_api_key", false)
	viper.SetDefault("auth.admin_key", "")
	viper.SetDefault("redis.halt_state_key", "fopgate:emergency_halt")
	viper.SetDefault("redis.idempotency_ttl_seconds", 86400)
	viper.SetDefault("database.audit_retention_days", 30)
	viper.SetDefault("database.idempotency_retention_hours", 168)
	viper.SetDefault("database.cleanup_interval_minutes", 60)
	viper.SetDefault("broker.kind", "mock")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("audit.log_dir", "./logs")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
