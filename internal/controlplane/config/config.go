// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/edgewan")
	DataDir string `yaml:"data_dir"`

	// TLS settings
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`

	// Device-token authentication on the control channel
	AuthEnabled bool `yaml:"auth_enabled"`

	// HeartbeatWindow is how long a device may go silent before it is
	// treated as offline (default 3m).
	HeartbeatWindow Duration `yaml:"heartbeat_window"`

	// JobResponseTimeout bounds how long a dispatched job waits for the
	// device's answer (default 10m).
	JobResponseTimeout Duration `yaml:"job_response_timeout"`

	// JobRetention is how long terminal jobs are kept (default 168h).
	JobRetention Duration `yaml:"job_retention"`

	// StaleDeviceThreshold controls the store-level offline sweep
	// (default 5m).
	StaleDeviceThreshold Duration `yaml:"stale_device_threshold"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:           ":8080",
		DataDir:              "/var/lib/edgewan",
		AuthEnabled:          true,
		HeartbeatWindow:      Duration(3 * time.Minute),
		JobResponseTimeout:   Duration(10 * time.Minute),
		JobRetention:         Duration(7 * 24 * time.Hour),
		StaleDeviceThreshold: Duration(5 * time.Minute),
		LogLevel:             "info",
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("EDGEWAN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("EDGEWAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("EDGEWAN_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("EDGEWAN_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("EDGEWAN_AUTH"); v != "" {
		cfg.AuthEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EDGEWAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	for _, override := range []struct {
		env string
		dst *Duration
	}{
		{"EDGEWAN_HEARTBEAT_WINDOW", &cfg.HeartbeatWindow},
		{"EDGEWAN_JOB_RESPONSE_TIMEOUT", &cfg.JobResponseTimeout},
		{"EDGEWAN_JOB_RETENTION", &cfg.JobRetention},
		{"EDGEWAN_STALE_DEVICE_THRESHOLD", &cfg.StaleDeviceThreshold},
	} {
		if v := os.Getenv(override.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", override.env, err)
			}
			*override.dst = Duration(parsed)
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a YAML file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
