// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	State        StateConfig        `mapstructure:"state"`
	Lifecycle    LifecycleConfig    `mapstructure:"lifecycle"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP control surface configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the durable store configuration. Driver is "sqlite"
// (default) or "postgres"; Path is the SQLite file, DSN the Postgres
// connection string.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GatewayConfig holds the tool-executor gateway connection configuration.
type GatewayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`

	// Required enables strict mode: startup fails when the gateway is
	// unreachable and spawns never proceed without a session.
	Required bool `mapstructure:"required"`

	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	RequestTimeout    int `mapstructure:"requestTimeout"`    // in seconds
	ReconnectDelay    int `mapstructure:"reconnectDelay"`    // initial backoff, in seconds
	MaxRetries        int `mapstructure:"maxRetries"`        // reconnect attempts before giving up

	MinProtocol int `mapstructure:"minProtocol"`
	MaxProtocol int `mapstructure:"maxProtocol"`
}

// StateConfig holds the optimistic lock retry policy.
type StateConfig struct {
	LockMaxRetries int `mapstructure:"lockMaxRetries"`
	LockBaseDelay  int `mapstructure:"lockBaseDelay"` // in milliseconds
	LockMaxDelay   int `mapstructure:"lockMaxDelay"`  // in milliseconds
}

// LifecycleConfig holds agent lifecycle defaults.
type LifecycleConfig struct {
	DefaultMaxRetries int    `mapstructure:"defaultMaxRetries"`
	DefaultModel      string `mapstructure:"defaultModel"`
	SpawnTimeout      int    `mapstructure:"spawnTimeout"` // in seconds
}

// OrchestratorConfig holds team orchestration settings.
type OrchestratorConfig struct {
	DefaultMaxAgents   int     `mapstructure:"defaultMaxAgents"`
	WarningThreshold   float64 `mapstructure:"warningThreshold"`  // fraction of allocated budget
	CriticalThreshold  float64 `mapstructure:"criticalThreshold"` // fraction of allocated budget
	ScaleKillTimeout   int     `mapstructure:"scaleKillTimeout"`  // graceful kill wait, in seconds
	DestroyParallelism int     `mapstructure:"destroyParallelism"`
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

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (g *GatewayConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(g.HeartbeatInterval) * time.Second
}

// RequestTimeoutDuration returns the per-request timeout as a time.Duration.
func (g *GatewayConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(g.RequestTimeout) * time.Second
}

// ReconnectDelayDuration returns the initial reconnect delay as a time.Duration.
func (g *GatewayConfig) ReconnectDelayDuration() time.Duration {
	return time.Duration(g.ReconnectDelay) * time.Second
}

// LockBaseDelayDuration returns the base optimistic-lock backoff as a time.Duration.
func (s *StateConfig) LockBaseDelayDuration() time.Duration {
	return time.Duration(s.LockBaseDelay) * time.Millisecond
}

// LockMaxDelayDuration returns the optimistic-lock backoff cap as a time.Duration.
func (s *StateConfig) LockMaxDelayDuration() time.Duration {
	return time.Duration(s.LockMaxDelay) * time.Millisecond
}

// ScaleKillTimeoutDuration returns the graceful kill wait as a time.Duration.
func (o *OrchestratorConfig) ScaleKillTimeoutDuration() time.Duration {
	return time.Duration(o.ScaleKillTimeout) * time.Second
}

// SpawnTimeoutDuration returns the spawn deadline as a time.Duration.
func (l *LifecycleConfig) SpawnTimeoutDuration() time.Duration {
	return time.Duration(l.SpawnTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file next to the binary
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./orchestrator.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "openclaw-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Gateway defaults
	v.SetDefault("gateway.url", "ws://localhost:18789/ws")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.required", false)
	v.SetDefault("gateway.heartbeatInterval", 30)
	v.SetDefault("gateway.requestTimeout", 30)
	v.SetDefault("gateway.reconnectDelay", 1)
	v.SetDefault("gateway.maxRetries", 10)
	v.SetDefault("gateway.minProtocol", 1)
	v.SetDefault("gateway.maxProtocol", 1)

	// Optimistic lock retry defaults
	v.SetDefault("state.lockMaxRetries", 5)
	v.SetDefault("state.lockBaseDelay", 10)
	v.SetDefault("state.lockMaxDelay", 500)

	// Lifecycle defaults
	v.SetDefault("lifecycle.defaultMaxRetries", 3)
	v.SetDefault("lifecycle.defaultModel", "")
	v.SetDefault("lifecycle.spawnTimeout", 60)

	// Orchestrator defaults
	v.SetDefault("orchestrator.defaultMaxAgents", 10)
	v.SetDefault("orchestrator.warningThreshold", 0.75)
	v.SetDefault("orchestrator.criticalThreshold", 0.9)
	v.SetDefault("orchestrator.scaleKillTimeout", 30)
	v.SetDefault("orchestrator.destroyParallelism", 4)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPENCLAW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/openclaw/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OPENCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("gateway.token", "OPENCLAW_GATEWAY_TOKEN")
	_ = v.BindEnv("gateway.url", "OPENCLAW_GATEWAY_URL")
	_ = v.BindEnv("gateway.required", "OPENCLAW_REQUIRED")
	_ = v.BindEnv("database.path", "ORCH_DB_PATH")
	_ = v.BindEnv("database.dsn", "ORCH_DB_DSN")
	_ = v.BindEnv("database.driver", "ORCH_DB_DRIVER")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/openclaw/")

	// Read config file (ignore if not found)
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

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported database.driver: %s", cfg.Database.Driver))
	}

	if cfg.Gateway.URL == "" {
		errs = append(errs, "gateway.url is required")
	}
	if cfg.Gateway.Required && cfg.Gateway.Token == "" {
		errs = append(errs, "gateway.token is required when gateway.required is set")
	}
	if cfg.Gateway.MinProtocol > cfg.Gateway.MaxProtocol {
		errs = append(errs, "gateway.minProtocol must not exceed gateway.maxProtocol")
	}

	if cfg.Orchestrator.WarningThreshold <= 0 || cfg.Orchestrator.WarningThreshold > 1 {
		errs = append(errs, "orchestrator.warningThreshold must be in (0, 1]")
	}
	if cfg.Orchestrator.CriticalThreshold <= 0 || cfg.Orchestrator.CriticalThreshold > 1 {
		errs = append(errs, "orchestrator.criticalThreshold must be in (0, 1]")
	}
	if cfg.Orchestrator.WarningThreshold > cfg.Orchestrator.CriticalThreshold {
		errs = append(errs, "orchestrator.warningThreshold must not exceed criticalThreshold")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
