package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for guideflow
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Reveal      RevealConfig      `mapstructure:"reveal"`
	Polling     PollingConfig     `mapstructure:"polling"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Flows       FlowsConfig       `mapstructure:"flows"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// AdminConfig holds API authentication configuration
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig selects the snapshot backend
type CacheConfig struct {
	Driver string      `mapstructure:"driver"` // sqlite, redis
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds redis connection settings for the snapshot backend
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// PersistenceConfig bounds what a snapshot may cost
type PersistenceConfig struct {
	MaxSnapshotMB       float64 `mapstructure:"max_snapshot_mb"`
	WorkspaceQuotaBytes int64   `mapstructure:"workspace_quota_bytes"`
	MaxAnswerChars      int     `mapstructure:"max_answer_chars"`
}

// BackendConfig holds the remote content backend settings
type BackendConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// RevealConfig holds reveal pacing defaults
type RevealConfig struct {
	Stagger    time.Duration `mapstructure:"stagger"`
	Tick       time.Duration `mapstructure:"tick"`
	Typewriter bool          `mapstructure:"typewriter"`
	MinChunk   int           `mapstructure:"min_chunk"`
}

// PollingConfig holds section status polling settings
type PollingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RequestsPerHour int  `mapstructure:"requests_per_hour"`
}

// FlowsConfig points at an optional flow definition override file
type FlowsConfig struct {
	Path string `mapstructure:"path"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.SetEnvPrefix("GUIDEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("admin.api_key", "")

	v.SetDefault("database.path", "./data/guideflow.db")

	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "guideflow:snapshot:")
	v.SetDefault("cache.redis.ttl", 30*24*time.Hour)

	v.SetDefault("persistence.max_snapshot_mb", 4.5)
	v.SetDefault("persistence.workspace_quota_bytes", 5*1024*1024)
	v.SetDefault("persistence.max_answer_chars", 4000)

	v.SetDefault("backend.base_url", "http://localhost:9000/api")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.timeout", 60*time.Second)
	v.SetDefault("backend.requests_per_second", 10.0)
	v.SetDefault("backend.burst", 20)

	v.SetDefault("reveal.stagger", 600*time.Millisecond)
	v.SetDefault("reveal.tick", 15*time.Millisecond)
	v.SetDefault("reveal.typewriter", false)
	v.SetDefault("reveal.min_chunk", 120)

	v.SetDefault("polling.interval", 2*time.Second)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_hour", 1200)

	v.SetDefault("flows.path", "")
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MaxSnapshotBytes converts the MB threshold into bytes
func (c *Config) MaxSnapshotBytes() int64 {
	return int64(c.Persistence.MaxSnapshotMB * 1024 * 1024)
}
