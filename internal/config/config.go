// Package config loads the shared configuration file. Values start from
// defaults and a YAML file overlays them; command flags may override
// individual fields on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "10s" style strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the complete configuration for server, agent and CLI.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Logging LoggingConfig `yaml:"logging"`

	// StaleThreshold is how old a running task's heartbeat may get before
	// readers report it as stale. The store itself never acts on it.
	StaleThreshold Duration `yaml:"stale_threshold"`
}

// ServerConfig holds the queue server configuration.
type ServerConfig struct {
	Address               string   `yaml:"address"`
	DBPath                string   `yaml:"db_path"`
	ScheduleCheckInterval Duration `yaml:"schedule_check_interval"`
	EnableDebug           bool     `yaml:"enable_debug"`
}

// AgentConfig holds the runner configuration.
type AgentConfig struct {
	ServerURL         string     `yaml:"server_url"`
	Tag               string     `yaml:"tag"`
	PollInterval      Duration   `yaml:"poll_interval"`
	HeartbeatInterval Duration   `yaml:"heartbeat_interval"`
	FlushInterval     Duration   `yaml:"flush_interval"`
	Prepare           [][]string `yaml:"prepare"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:               ":8080",
			DBPath:                "remote-tasks.db",
			ScheduleCheckInterval: Duration(15 * time.Second),
		},
		Agent: AgentConfig{
			ServerURL:         "http://localhost:8080",
			PollInterval:      Duration(5 * time.Second),
			HeartbeatInterval: Duration(10 * time.Second),
			FlushInterval:     Duration(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		StaleThreshold: Duration(60 * time.Second),
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path or a missing file yields the plain defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields every component relies on. Errors name the
// offending key in the file's notation.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("server.db_path is required")
	}
	if c.Server.ScheduleCheckInterval <= 0 {
		return fmt.Errorf("server.schedule_check_interval must be positive")
	}
	if c.Agent.ServerURL == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	if c.Agent.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be positive")
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent.heartbeat_interval must be positive")
	}
	if c.Agent.FlushInterval <= 0 {
		return fmt.Errorf("agent.flush_interval must be positive")
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("stale_threshold must be positive")
	}
	return nil
}
