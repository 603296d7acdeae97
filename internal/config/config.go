// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Server    ServerConfig    `mapstructure:"server"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Locking   LockingConfig   `mapstructure:"locking"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Dir      string            `mapstructure:"dir"` // Deprecated, kept for backward compatibility
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console", "syslog"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// TemporalConfig holds Temporal-related configuration.
type TemporalConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	HostPort  string          `mapstructure:"host_port"`
	Namespace string          `mapstructure:"namespace"`
	TaskQueue string          `mapstructure:"task_queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Activity  ActivityOptions `mapstructure:"activity"`
	Workflow  WorkflowOptions `mapstructure:"workflow"`
}

// WorkerConfig holds Temporal worker configuration.
type WorkerConfig struct {
	MaxConcurrentActivityExecutions int     `mapstructure:"max_concurrent_activities"`
	MaxConcurrentWorkflows          int     `mapstructure:"max_concurrent_workflows"`
	ActivitiesPerSecond             float64 `mapstructure:"activities_per_second"`
}

// ActivityOptions holds common activity options.
type ActivityOptions struct {
	StartToCloseTimeout    time.Duration `mapstructure:"start_to_close_timeout"`
	ScheduleToCloseTimeout time.Duration `mapstructure:"schedule_to_close_timeout"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeat_timeout"`
}

// WorkflowOptions holds common workflow options.
type WorkflowOptions struct {
	WorkflowExecutionTimeout time.Duration `mapstructure:"workflow_execution_timeout"`
	WorkflowRunTimeout       time.Duration `mapstructure:"workflow_run_timeout"`
	WorkflowTaskTimeout      time.Duration `mapstructure:"workflow_task_timeout"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
}

// BillingConfig holds credits-service client configuration.
type BillingConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"` // consecutive failures before the breaker opens
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`  // open duration before half-open probes
}

// AgentConfig holds AI agent executor configuration.
type AgentConfig struct {
	Provider  string        `mapstructure:"provider"` // "anthropic" or "static"
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"` // Empty means use ANTHROPIC_API_KEY
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LockingConfig selects the advisory task-lock backend.
type LockingConfig struct {
	Mode     string        `mapstructure:"mode"` // "local" or "redis"
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// PipelineConfig holds pipeline execution tuning.
type PipelineConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `mapstructure:"retry_backoff_cap"`
	EventBufferSize  int           `mapstructure:"event_buffer_size"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP HTTP endpoint, host:port
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Insecure    bool    `mapstructure:"insecure"`
	Environment string  `mapstructure:"environment"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	// Create a new config struct with default values
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/specforge/")
		v.AddConfigPath("$HOME/.specforge")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("SPECFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// This will overwrite the default values with any values found in the config file or env vars.
	// We use a decoder hook to correctly handle nested structs.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths that may contain ~ or environment variables
	cfg.expandPaths()

	// Validate the final configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "specforge.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Dir:    "./logs", // Backward compatibility
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/specforge.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"pipeline": "INFO",
				"temporal": "WARN",
				"database": "INFO",
				"server":   "INFO",
				"billing":  "INFO",
				"agent":    "INFO",
				"lock":     "WARN",
				"audit":    "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Temporal: TemporalConfig{
			Enabled:   true,
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "specforge-pipeline",
			Worker: WorkerConfig{
				MaxConcurrentActivityExecutions: 100,
				MaxConcurrentWorkflows:          100,
				ActivitiesPerSecond:             100000,
			},
			Activity: ActivityOptions{
				StartToCloseTimeout:    10 * time.Minute,
				ScheduleToCloseTimeout: 30 * time.Minute,
				HeartbeatTimeout:       30 * time.Second,
			},
			Workflow: WorkflowOptions{
				WorkflowExecutionTimeout: 24 * time.Hour,
				WorkflowRunTimeout:       24 * time.Hour,
				WorkflowTaskTimeout:      10 * time.Second,
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Billing: BillingConfig{
			BaseURL:          "http://localhost:8090",
			Timeout:          10 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Agent: AgentConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 8192,
			Timeout:   5 * time.Minute,
		},
		Locking: LockingConfig{
			Mode: "local",
			Addr: "localhost:6379",
			TTL:  30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxRetries:       3,
			RetryBackoffBase: 30 * time.Second,
			RetryBackoffCap:  10 * time.Minute,
			EventBufferSize:  256,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			ServiceName: "specforge",
			SampleRatio: 1.0,
			Insecure:    true,
			Environment: "development",
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	for i := range c.Log.Output {
		if c.Log.Output[i].Path != "" {
			c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Database != "" {
		c.Database.Database = expandPath(c.Database.Database)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	// Expand environment variables
	path = os.ExpandEnv(path)

	return path
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Agent.Provider != "anthropic" && c.Agent.Provider != "static" {
		return fmt.Errorf("agent.provider must be 'anthropic' or 'static', got: %s", c.Agent.Provider)
	}

	if c.Locking.Mode != "local" && c.Locking.Mode != "redis" {
		return fmt.Errorf("locking.mode must be 'local' or 'redis', got: %s", c.Locking.Mode)
	}
	if c.Locking.Mode == "redis" && c.Locking.Addr == "" {
		return errors.New("locking.addr is required when locking.mode is 'redis'")
	}

	if c.Billing.BaseURL == "" {
		return errors.New("billing.base_url is required")
	}

	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be non-negative, got: %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.RetryBackoffBase <= 0 {
		return errors.New("pipeline.retry_backoff_base must be positive")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be in [0, 1], got: %f", c.Telemetry.SampleRatio)
		}
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
