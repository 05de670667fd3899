// Package config loads runtime configuration from file, environment and
// defaults, in that order of precedence (env beats file beats default).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"conductor/internal/observability"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig                `mapstructure:"server"`
	Discovery DiscoveryConfig             `mapstructure:"discovery"`
	Session   SessionConfig               `mapstructure:"session"`
	Hub       HubConfig                   `mapstructure:"hub"`
	Registry  RegistryConfig              `mapstructure:"registry"`
	Executor  ExecutorConfig              `mapstructure:"executor"`
	Cost      CostConfig                  `mapstructure:"cost"`
	Archive   ArchiveConfig               `mapstructure:"archive"`
	Tracing   observability.TracingConfig `mapstructure:"tracing"`
	Services  []ServiceConfig             `mapstructure:"services"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestsPerMin  int           `mapstructure:"requests_per_min"`
}

// DiscoveryConfig configures the UDP responder.
type DiscoveryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// SessionConfig configures token issuance.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// HubConfig configures the realtime hub.
type HubConfig struct {
	AuthGrace time.Duration `mapstructure:"auth_grace"`
}

// RegistryConfig configures service health probing and forwarding.
type RegistryConfig struct {
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
}

// ExecutorConfig configures task execution.
type ExecutorConfig struct {
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// CostConfig carries per-kind base costs for the pricing model.
type CostConfig struct {
	BaseCosts map[string]float64 `mapstructure:"base_costs"`
}

// ArchiveConfig configures the optional Postgres task archive. Empty
// DatabaseURL disables archiving.
type ArchiveConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

// ServiceConfig is one statically registered remote service.
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

// Load reads conductor.yaml from the working directory or $HOME, applies
// CONDUCTOR_* environment overrides and fills defaults. A missing config
// file is not an error; the defaults are a working configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("conductor")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.requests_per_min", 600)

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.listen", "0.0.0.0:8089")

	v.SetDefault("session.ttl", 24*time.Hour)

	v.SetDefault("hub.auth_grace", 10*time.Second)

	v.SetDefault("registry.probe_interval", 10*time.Second)
	v.SetDefault("registry.probe_timeout", 3*time.Second)
	v.SetDefault("registry.forward_timeout", 30*time.Second)

	v.SetDefault("executor.task_timeout", 2*time.Minute)

	v.SetDefault("archive.database_url", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 1.0)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Hub.AuthGrace <= 0 {
		return fmt.Errorf("hub.auth_grace must be positive, got %s", c.Hub.AuthGrace)
	}
	if c.Registry.ProbeInterval <= 0 {
		return fmt.Errorf("registry.probe_interval must be positive, got %s", c.Registry.ProbeInterval)
	}
	for i, svc := range c.Services {
		if svc.Name == "" || svc.Address == "" {
			return fmt.Errorf("services[%d] requires both name and address", i)
		}
	}
	return nil
}

// ListenAddr returns the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
