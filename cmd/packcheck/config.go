package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// RedisConfig holds work-queue configuration.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	Stream     string        `mapstructure:"stream"`
	Group      string        `mapstructure:"group"`
	Consumer   string        `mapstructure:"consumer"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// ArtifactsConfig holds object-store configuration.
type ArtifactsConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// SandboxConfig holds sandbox orchestration configuration.
type SandboxConfig struct {
	Image         string        `mapstructure:"image"`
	CreateRetries int           `mapstructure:"create_retries"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

// PipelineConfig holds validation pipeline configuration.
type PipelineConfig struct {
	WorkDir           string        `mapstructure:"work_dir"`
	IndexName         string        `mapstructure:"index_name"`
	CoverageThreshold float64       `mapstructure:"coverage_threshold"`
	SampleLimit       int           `mapstructure:"sample_limit"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	IndexTimeout      time.Duration `mapstructure:"index_timeout"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Workers       int           `mapstructure:"workers"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxDeliveries int64         `mapstructure:"max_deliveries"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// NotifyConfig holds notification webhook configuration.
type NotifyConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	ServiceKey string `mapstructure:"service_key"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/packcheck.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "packcheck:runs")
	v.SetDefault("redis.group", "packcheck-workers")
	v.SetDefault("redis.consumer", defaultConsumerName())
	v.SetDefault("redis.retry_delay", "30s")
	v.SetDefault("artifacts.endpoint", "localhost:9000")
	v.SetDefault("artifacts.access_key", "")
	v.SetDefault("artifacts.secret_key", "")
	v.SetDefault("artifacts.bucket", "packcheck")
	v.SetDefault("artifacts.use_ssl", false)
	v.SetDefault("sandbox.image", "splunk/splunk:9.2")
	v.SetDefault("sandbox.create_retries", 3)
	v.SetDefault("sandbox.stop_timeout", "30s")
	v.SetDefault("pipeline.work_dir", "")
	v.SetDefault("pipeline.index_name", "main")
	v.SetDefault("pipeline.coverage_threshold", 0.8)
	v.SetDefault("pipeline.sample_limit", 100)
	v.SetDefault("pipeline.ready_timeout", "5m")
	v.SetDefault("pipeline.index_timeout", "2m")
	v.SetDefault("pipeline.query_timeout", "1m")
	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("scheduler.max_concurrent", 2)
	v.SetDefault("scheduler.max_deliveries", 20)
	v.SetDefault("scheduler.stale_after", "1h")
	v.SetDefault("notify.endpoint", "")
	v.SetDefault("notify.service_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("PACKCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Pipeline.CoverageThreshold < 0 || cfg.Pipeline.CoverageThreshold > 1 {
		return nil, fmt.Errorf("pipeline.coverage_threshold must be between 0 and 1, got %v",
			cfg.Pipeline.CoverageThreshold)
	}

	return &cfg, nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "packcheck-worker"
	}
	return host
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
