// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the JSON-RPC and
// WebSocket transports.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// PersistenceConfig selects and configures the task repository backend.
type PersistenceConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"` // sqlite file path

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds optional event fan-out configuration. Empty URL means
// the event bus is disabled entirely.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ExecutorConfig configures the subprocess and docker executor strategies.
type ExecutorConfig struct {
	// SubprocessCommand is run via "sh -c" by the Subprocess strategy, with
	// the task's prompt piped to its stdin and work_directory as Cmd.Dir.
	SubprocessCommand string `mapstructure:"subprocessCommand"`
	// KillGraceSeconds is how long to wait after SIGTERM before SIGKILL.
	KillGraceSeconds int `mapstructure:"killGraceSeconds"`
	MaxConcurrent    int `mapstructure:"maxConcurrent"`

	DockerEnabled bool   `mapstructure:"dockerEnabled"`
	DockerHost    string `mapstructure:"dockerHost"`
	DockerImage   string `mapstructure:"dockerImage"`
}

// SchedulerConfig configures the timeout-sweep reaper.
type SchedulerConfig struct {
	SweepIntervalSeconds int  `mapstructure:"sweepIntervalSeconds"`
	AutoRetryOnTimeout   bool `mapstructure:"autoRetryOnTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port bind address for the HTTP server.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// KillGrace returns the subprocess kill grace period as a time.Duration.
func (e *ExecutorConfig) KillGrace() time.Duration {
	return time.Duration(e.KillGraceSeconds) * time.Second
}

// SweepInterval returns the scheduler's sweep interval as a time.Duration.
func (s *SchedulerConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment. Returns "json" under Kubernetes or an explicit production
// environment, "text" otherwise (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("persistence.driver", "memory")
	v.SetDefault("persistence.path", "./orchestrator.db")
	v.SetDefault("persistence.host", "localhost")
	v.SetDefault("persistence.port", 5432)
	v.SetDefault("persistence.user", "orchestrator")
	v.SetDefault("persistence.password", "")
	v.SetDefault("persistence.dbName", "orchestrator")
	v.SetDefault("persistence.sslMode", "disable")
	v.SetDefault("persistence.maxConns", 25)
	v.SetDefault("persistence.minConns", 5)

	// NATS defaults - empty URL means the event bus is disabled
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orchestrator-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("executor.subprocessCommand", "cat")
	v.SetDefault("executor.killGraceSeconds", 5)
	v.SetDefault("executor.maxConcurrent", 5)
	v.SetDefault("executor.dockerEnabled", false)
	v.SetDefault("executor.dockerHost", defaultDockerHost())
	v.SetDefault("executor.dockerImage", "")

	v.SetDefault("scheduler.sweepIntervalSeconds", 15)
	v.SetDefault("scheduler.autoRetryOnTimeout", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// defaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORC_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/orchestrator/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "ORC_LOG_LEVEL")
	_ = v.BindEnv("persistence.driver", "ORC_PERSISTENCE_DRIVER")
	_ = v.BindEnv("persistence.path", "ORC_PERSISTENCE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Persistence.Driver {
	case "memory", "sqlite":
		// no additional requirements
	case "postgres":
		if cfg.Persistence.Port <= 0 || cfg.Persistence.Port > 65535 {
			errs = append(errs, "persistence.port must be between 1 and 65535")
		}
		if cfg.Persistence.User == "" {
			errs = append(errs, "persistence.user is required for postgres driver")
		}
		if cfg.Persistence.DBName == "" {
			errs = append(errs, "persistence.dbName is required for postgres driver")
		}
	default:
		errs = append(errs, "persistence.driver must be one of: memory, sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Scheduler.SweepIntervalSeconds <= 0 {
		errs = append(errs, "scheduler.sweepIntervalSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (p *PersistenceConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}
