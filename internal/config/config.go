// Package config loads gateway and worker configuration the way the
// teacher's ws/config.go does: a YAML file (the focus of this package)
// overlaid with environment-variable overrides parsed by
// github.com/caarlos0/env, with an optional .env file for local dev.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// HookConfig names an external HTTP collaborator (§6): authorizer,
// connect, disconnect, or rules-engine.
type HookConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// CommsMode selects the gateway's client-facing delivery mode (§6).
type CommsMode struct {
	Mode   string `yaml:"mode"` // "uni_server_to_client" | "bidi"
	Stream struct {
		Endpoint string `yaml:"endpoint"`
		Name     string `yaml:"name"`
	} `yaml:"stream,omitempty"`
}

// ServerConfig is the gateway's server.* block.
type ServerConfig struct {
	Address               string    `yaml:"address"`
	HeartbeatIntervalSec   int       `yaml:"heartbeat_interval_sec"`
	StatsIntervalSec       int       `yaml:"stats_interval_sec,omitempty"`
	ConnectionTimeoutSec   int       `yaml:"connection_timeout_sec"`
	MaxOutMessageSize      int       `yaml:"max_out_message_size"`
	Comms                  CommsMode `yaml:"comms,omitempty"`
}

// RoutesConfig is the gateway's routes.* block: ingress endpoints plus
// the three lifecycle hooks.
type RoutesConfig struct {
	Endpoints   []string    `yaml:"endpoints"`
	Authorizer  *HookConfig `yaml:"authorizer,omitempty"`
	Connect     *HookConfig `yaml:"connect,omitempty"`
	Disconnect  *HookConfig `yaml:"disconnect,omitempty"`
}

// GatewayConfig is the full `gwctl serve -c` configuration document.
type GatewayConfig struct {
	Version string       `yaml:"version"`
	GroupID string       `yaml:"group_id" env:"GW_GROUP_ID"`
	Server  ServerConfig `yaml:"server"`
	Redis   struct {
		Endpoint string `yaml:"endpoint" env:"GW_REDIS_ENDPOINT"`
	} `yaml:"redis"`
	Routes RoutesConfig `yaml:"routes"`

	// Resource admission (ambient stack, carried the way the teacher's
	// ResourceGuard carries it even though spec.md's Non-goals exclude
	// an observability layer, not admission control itself).
	MaxConnections     int     `yaml:"max_connections,omitempty" envDefault:"10000"`
	MaxGoroutines      int     `yaml:"max_goroutines,omitempty" envDefault:"20000"`
	CPURejectThreshold float64 `yaml:"cpu_reject_threshold,omitempty" envDefault:"85.0"`

	LogLevel  string `yaml:"log_level,omitempty" env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `yaml:"log_format,omitempty" env:"LOG_FORMAT" envDefault:"json"`
}

// StreamConfig is the worker's stream.* block (§6).
type StreamConfig struct {
	Endpoint     string `yaml:"endpoint" env:"GW_NATS_ENDPOINT"`
	Name         string `yaml:"name"`
	ConsumerName string `yaml:"consumer_name"`
}

// RegexRule is one entry of engine_mode.regex.rules.
type RegexRule struct {
	Regex string     `yaml:"regex"`
	Route HookConfig `yaml:"route"`
}

// EngineMode is the worker's tagged engine_mode configuration: either a
// static regex table, or a dynamic rules-engine collaborator (§4.7,
// §9's polymorphic engine-mode design note).
type EngineMode struct {
	Mode        string      `yaml:"mode"` // "regex" | "dss"
	Regex       []RegexRule `yaml:"rules,omitempty"`
	RulesEngine *HookConfig `yaml:"rules_engine,omitempty"`
}

// WorkerConfig is the full `gwctl work -c` configuration document.
type WorkerConfig struct {
	Version    string       `yaml:"version"`
	GroupID    string       `yaml:"group_id" env:"GW_GROUP_ID"`
	Stream     StreamConfig `yaml:"stream"`
	EngineMode EngineMode   `yaml:"engine_mode"`

	LogLevel  string `yaml:"log_level,omitempty" env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `yaml:"log_format,omitempty" env:"LOG_FORMAT" envDefault:"json"`
}

// heartbeatTTLFactor is the minimum multiple of the heartbeat interval
// that T_own must exceed (§4.1 policy).
const heartbeatTTLFactor = 3

// OwnershipTTL derives T_own from the configured heartbeat interval,
// per the Open Question decision recorded in DESIGN.md: T_own is not
// independently configurable, so the ≥3x invariant can never be
// violated by misconfiguration.
func (c *GatewayConfig) OwnershipTTL() time.Duration {
	hb := time.Duration(c.Server.HeartbeatIntervalSec) * time.Second
	ttl := hb * heartbeatTTLFactor
	const floor = 30 * time.Second
	if ttl < floor {
		return floor
	}
	return ttl
}

// LoadGateway reads, overlays, and validates a gateway config document.
func LoadGateway(path string) (*GatewayConfig, error) {
	cfg := &GatewayConfig{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse gateway env overrides: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("gateway config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadWorker reads, overlays, and validates a worker config document.
func LoadWorker(path string) (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse worker env overrides: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("worker config validation failed: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	// .env is optional local-dev convenience, same as the teacher's
	// LoadConfig — failure to find it is not fatal.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *GatewayConfig) validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("group_id is required")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("server.heartbeat_interval_sec must be > 0")
	}
	if c.Server.ConnectionTimeoutSec <= 0 {
		return fmt.Errorf("server.connection_timeout_sec must be > 0")
	}
	if c.Server.MaxOutMessageSize <= 0 {
		return fmt.Errorf("server.max_out_message_size must be > 0")
	}
	if c.Redis.Endpoint == "" {
		return fmt.Errorf("redis.endpoint is required")
	}
	if len(c.Routes.Endpoints) == 0 {
		return fmt.Errorf("routes.endpoints must name at least one virtual path")
	}
	for _, e := range c.Routes.Endpoints {
		if len(e) == 0 || e[0] != '/' {
			return fmt.Errorf("routes.endpoints entries must be /-prefixed, got %q", e)
		}
	}
	return nil
}

func (c *WorkerConfig) validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("group_id is required")
	}
	if c.Stream.Endpoint == "" {
		return fmt.Errorf("stream.endpoint is required")
	}
	if c.Stream.Name == "" {
		return fmt.Errorf("stream.name is required")
	}
	if c.Stream.ConsumerName == "" {
		return fmt.Errorf("stream.consumer_name is required")
	}
	switch c.EngineMode.Mode {
	case "regex":
		if len(c.EngineMode.Regex) == 0 {
			return fmt.Errorf("engine_mode.rules must name at least one rule in regex mode")
		}
	case "dss":
		if c.EngineMode.RulesEngine == nil || c.EngineMode.RulesEngine.Endpoint == "" {
			return fmt.Errorf("engine_mode.rules_engine.endpoint is required in dss mode")
		}
	default:
		return fmt.Errorf("engine_mode.mode must be \"regex\" or \"dss\", got %q", c.EngineMode.Mode)
	}
	return nil
}
