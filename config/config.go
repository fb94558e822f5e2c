package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMasterKey is used when no key is configured. It is public knowledge
// and only fit for a trusted network.
const DefaultMasterKey = "master_key"

type Config struct {
	MasterKey string          `yaml:"master_key"`
	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	Systemd   SystemdConfig   `yaml:"systemd"`
	Git       GitConfig       `yaml:"git"`
	Session   SessionConfig   `yaml:"session"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Insecure is set when the built-in master key is in use.
	Insecure bool `yaml:"-"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	Port   int    `yaml:"port"`
}

type PathsConfig struct {
	AppsDir      string `yaml:"apps_dir"`
	RegistryFile string `yaml:"registry_file"`
	UnitDir      string `yaml:"unit_dir"`
}

type SystemdConfig struct {
	UserScope *bool `yaml:"user_scope"`
}

type GitConfig struct {
	Username              string `yaml:"username"`
	Token                 string `yaml:"token"`
	SSHKeyPath            string `yaml:"ssh_key_path"`
	SSHKeyPassword        string `yaml:"ssh_key_password"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	Depth                 int    `yaml:"depth"`
}

type SessionConfig struct {
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	SampleWindow      time.Duration `yaml:"sample_window"`
	OutboundBuffer    int           `yaml:"outbound_buffer"`
}

type LifecycleConfig struct {
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	Shell       string        `yaml:"shell"`
	RestartSec  int           `yaml:"restart_sec"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration at path. A missing file yields the defaults
// with the insecure built-in master key.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		// Expand environment variables
		dataStr := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(dataStr), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() error {
	if c.MasterKey == "" {
		c.MasterKey = DefaultMasterKey
	}
	c.Insecure = c.MasterKey == DefaultMasterKey

	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5273
	}

	if c.Paths.AppsDir == "" || c.Paths.UnitDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		if c.Paths.AppsDir == "" {
			c.Paths.AppsDir = filepath.Join(home, "sentryx", "apps")
		}
		if c.Paths.UnitDir == "" {
			c.Paths.UnitDir = filepath.Join(home, ".config", "systemd", "user")
		}
	}
	if c.Paths.RegistryFile == "" {
		c.Paths.RegistryFile = filepath.Join(c.Paths.AppsDir, "apps.json")
	}

	if c.Systemd.UserScope == nil {
		userScope := true
		c.Systemd.UserScope = &userScope
	}

	if c.Session.AuthTimeout == 0 {
		c.Session.AuthTimeout = 10 * time.Second
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = 10 * time.Second
	}
	if c.Session.TelemetryInterval == 0 {
		c.Session.TelemetryInterval = 2 * time.Second
	}
	if c.Session.SampleWindow == 0 {
		c.Session.SampleWindow = 200 * time.Millisecond
	}
	if c.Session.OutboundBuffer == 0 {
		c.Session.OutboundBuffer = 16
	}

	if c.Lifecycle.ToolTimeout == 0 {
		c.Lifecycle.ToolTimeout = 15 * time.Minute
	}
	if c.Lifecycle.Shell == "" {
		c.Lifecycle.Shell = "/bin/bash"
	}
	if c.Lifecycle.RestartSec == 0 {
		c.Lifecycle.RestartSec = 5
	}

	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Paths.AppsDir, "history.db")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Session.TelemetryInterval < c.Session.SampleWindow {
		return fmt.Errorf("session.telemetry_interval (%s) must not be shorter than session.sample_window (%s)",
			c.Session.TelemetryInterval, c.Session.SampleWindow)
	}
	if c.Session.OutboundBuffer < 1 {
		return fmt.Errorf("session.outbound_buffer must be positive")
	}
	if c.Session.IdleTimeout < 0 || c.Session.AuthTimeout < 0 || c.Session.WriteTimeout < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}
	if c.Lifecycle.ToolTimeout < 0 {
		return fmt.Errorf("lifecycle.tool_timeout must not be negative")
	}
	return nil
}

// Address returns the listen address of the server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Listen, c.Server.Port)
}

// UserScope reports whether units are managed through `systemctl --user`.
func (c *Config) UserScope() bool {
	return c.Systemd.UserScope == nil || *c.Systemd.UserScope
}
