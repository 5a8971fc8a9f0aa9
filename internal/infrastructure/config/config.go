package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/prochost/internal/host"
	"github.com/GriffinCanCode/prochost/internal/ipc/channel"
)

// EnvPrefix prefixes every environment variable read by Load. Section
// names follow the prefix, e.g. PROCHOST_HOST_SINGLE_PROCESS.
const EnvPrefix = "PROCHOST"

// Config holds all daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Host    HostConfig    `yaml:"host"`
	Channel ChannelConfig `yaml:"channel"`
	Launch  LaunchConfig  `yaml:"launch"`
	Logging LogConfig     `yaml:"logging"`
}

// ServerConfig holds introspection server configuration.
type ServerConfig struct {
	Addr        string   `envconfig:"ADDR" yaml:"addr"`
	Enabled     bool     `envconfig:"ENABLED" yaml:"enabled"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" yaml:"cors_origins"`
	RateLimit   int      `envconfig:"RATE_LIMIT_RPS" yaml:"rate_limit_rps"`
	Burst       int      `envconfig:"RATE_LIMIT_BURST" yaml:"rate_limit_burst"`
}

// HostConfig holds process host policy.
type HostConfig struct {
	ChildPath           string        `envconfig:"CHILD_PATH" yaml:"child_path"`
	CommandPrefix       string        `envconfig:"CHILD_PREFIX" yaml:"command_prefix"`
	SingleProcess       bool          `envconfig:"SINGLE_PROCESS" yaml:"single_process"`
	AuditHandles        bool          `envconfig:"AUDIT_HANDLES" yaml:"audit_handles"`
	StrictSiteIsolation bool          `envconfig:"STRICT_SITE_ISOLATION" yaml:"strict_site_isolation"`
	ProcessPerSite      bool          `envconfig:"PROCESS_PER_SITE" yaml:"process_per_site"`
	MaxProcessCount     int           `envconfig:"MAX_PROCESS_COUNT" yaml:"max_process_count"`
	BufferCacheEntries  int           `envconfig:"BUFFER_CACHE_ENTRIES" yaml:"buffer_cache_entries"`
	BufferIdleTimeout   time.Duration `envconfig:"BUFFER_IDLE_TIMEOUT" yaml:"buffer_idle_timeout"`
	SharedMemoryDir     string        `envconfig:"SHM_DIR" yaml:"shared_memory_dir"`
	BadMessageLogRate   float64       `envconfig:"BAD_MESSAGE_LOG_RATE" yaml:"bad_message_log_rate"`
}

// ChannelConfig holds transport configuration.
type ChannelConfig struct {
	Dir              string        `envconfig:"DIR" yaml:"dir"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" yaml:"handshake_timeout"`
}

// LaunchConfig holds launch guard configuration.
type LaunchConfig struct {
	MaxFailures uint32        `envconfig:"MAX_FAILURES" yaml:"max_failures"`
	Cooldown    time.Duration `envconfig:"COOLDOWN" yaml:"cooldown"`
	Window      time.Duration `envconfig:"WINDOW" yaml:"window"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" yaml:"level"`
	Development bool   `envconfig:"DEV" yaml:"development"`
}

// Load loads configuration from environment variables over Default.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile starts from Default, overlays an optional YAML file and then
// applies environment variables. Only variables that are set change a
// field, so file values survive an unset variable.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration. It is the only source of
// defaults; struct tags carry names only.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      "127.0.0.1:8089",
			Enabled:   true,
			RateLimit: 50,
			Burst:     100,
		},
		Host: HostConfig{
			BufferCacheEntries: 3,
			BufferIdleTimeout:  5 * time.Second,
			BadMessageLogRate:  1,
		},
		Channel: ChannelConfig{
			HandshakeTimeout: 10 * time.Second,
		},
		Launch: LaunchConfig{
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
			Window:      time.Minute,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// HostOptions maps the host section onto registry options.
func (c *Config) HostOptions() host.Options {
	return host.Options{
		ChildPath:           c.Host.ChildPath,
		CommandPrefix:       c.Host.CommandPrefix,
		SingleProcess:       c.Host.SingleProcess,
		AuditHandles:        c.Host.AuditHandles,
		StrictSiteIsolation: c.Host.StrictSiteIsolation,
		MaxProcessCount:     c.Host.MaxProcessCount,
		BufferCacheEntries:  c.Host.BufferCacheEntries,
		BufferIdleTimeout:   c.Host.BufferIdleTimeout,
		BadMessageLogRate:   c.Host.BadMessageLogRate,
	}
}

// ChannelOptions maps the channel section onto transport config. Empty
// fields keep the transport defaults.
func (c *Config) ChannelOptions() channel.Config {
	cc := channel.DefaultConfig()
	if c.Channel.Dir != "" {
		cc.Dir = c.Channel.Dir
	}
	if c.Channel.HandshakeTimeout > 0 {
		cc.HandshakeTimeout = c.Channel.HandshakeTimeout
	}
	return cc
}
