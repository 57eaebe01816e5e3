// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logger  LoggerConfig  `yaml:"logger"`
	Bluez   BluezConfig   `yaml:"bluez"`
	Pairing PairingConfig `yaml:"pairing"`
	Network NetworkConfig `yaml:"network"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	VersionFile string `yaml:"version_file"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type BluezConfig struct {
	Adapter         string `yaml:"adapter"` // empty = first adapter found
	AgentPath       string `yaml:"agent_path"`
	AgentCapability string `yaml:"agent_capability"`
	AgentTimeout    string `yaml:"agent_timeout"` // duration string
	ProfilePath     string `yaml:"profile_path"`
}

type PairingConfig struct {
	DelegatePriority string `yaml:"delegate_priority"` // "low" or "high"
	Discoverable     bool   `yaml:"discoverable"`
	PowerOn          bool   `yaml:"power_on"`
}

type NetworkConfig struct {
	InterfacePrefix string `yaml:"interface_prefix"`
	Role            string `yaml:"role"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "5000",
			VersionFile: "/etc/nocturne/version.txt",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
		},
		Bluez: BluezConfig{
			AgentPath:       "/org/bluez/agent",
			AgentCapability: "KeyboardDisplay",
			AgentTimeout:    "60s",
			ProfilePath:     "/org/bluez/btmgr/profile",
		},
		Pairing: PairingConfig{
			DelegatePriority: "low",
			PowerOn:          true,
		},
		Network: NetworkConfig{
			InterfacePrefix: "bnep",
			Role:            "nap",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(err, "read config")
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, "parse config")
			}
		}
	}

	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("BTMGR_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("BTMGR_ADAPTER"); v != "" {
		cfg.Bluez.Adapter = v
	}
}

var agentCapabilities = map[string]bool{
	"DisplayOnly":     true,
	"DisplayYesNo":    true,
	"KeyboardOnly":    true,
	"NoInputNoOutput": true,
	"KeyboardDisplay": true,
}

func Validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if _, err := logrus.ParseLevel(cfg.Logger.Level); err != nil {
		return errors.Wrap(err, "logger.level")
	}
	if cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		return errors.Errorf("logger.format must be text or json, got %q", cfg.Logger.Format)
	}
	if !agentCapabilities[cfg.Bluez.AgentCapability] {
		return errors.Errorf("bluez.agent_capability %q is not a BlueZ agent capability", cfg.Bluez.AgentCapability)
	}
	if _, err := cfg.Bluez.Timeout(); err != nil {
		return err
	}
	if p := cfg.Pairing.DelegatePriority; p != "low" && p != "high" {
		return errors.Errorf("pairing.delegate_priority must be low or high, got %q", p)
	}
	return nil
}

// Timeout parses AgentTimeout.
func (c BluezConfig) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.AgentTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "bluez.agent_timeout")
	}
	if d <= 0 {
		return 0, errors.Errorf("bluez.agent_timeout must be positive, got %s", d)
	}
	return d, nil
}

// Configure applies the level and format to l.
func (c LoggerConfig) Configure(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return errors.Wrap(err, "logger.level")
	}
	l.SetLevel(level)
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
