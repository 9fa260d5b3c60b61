// Package config loads and validates the daemon configuration.
//
// The configuration file is HCL (JSON is accepted as a fallback). Every
// block and field is optional; DefaultConfig() provides the values for
// anything omitted.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/cernvm/cernvm-webapi/internal/brand"
)

// Config is the root configuration.
type Config struct {
	Listen     *ListenConfig     `hcl:"listen,block"`
	Keystore   *KeystoreConfig   `hcl:"keystore,block"`
	Throttle   *ThrottleConfig   `hcl:"throttle,block"`
	Monitor    *MonitorConfig    `hcl:"monitor,block"`
	Hypervisor *HypervisorConfig `hcl:"hypervisor,block"`
	Log        *LogConfig        `hcl:"log,block"`
}

// ListenConfig controls the loopback HTTP/WebSocket listener.
type ListenConfig struct {
	Host           string `hcl:"host,optional"`
	Port           int    `hcl:"port,optional"`
	IdleShutdown   string `hcl:"idle_shutdown,optional"`
	MaxConnections int    `hcl:"max_connections,optional"`
}

// KeystoreConfig locates the signed keystore and the privileged auth key.
type KeystoreConfig struct {
	Path          string `hcl:"path,optional"`
	AuthorizedURL string `hcl:"authorized_url,optional"`
	LocalAuthKey  string `hcl:"local_auth_key,optional"`
}

// ThrottleConfig bounds consecutive consent denials per connection.
type ThrottleConfig struct {
	Timespan string `hcl:"timespan,optional"`
	Tries    int    `hcl:"tries,optional"`
}

// MonitorConfig paces the per-session background probe.
type MonitorConfig struct {
	Interval       string `hcl:"interval,optional"`
	LongProbeEvery int    `hcl:"long_probe_every,optional"`
	APIDownRetries int    `hcl:"api_down_retries,optional"`
}

// HypervisorConfig gates hypervisor acceptance and locates its state.
type HypervisorConfig struct {
	MinVersion string `hcl:"min_version,optional"`
	StatePath  string `hcl:"state_path,optional"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Listen: &ListenConfig{
			Host:           "127.0.0.1",
			Port:           brand.DefaultPort,
			IdleShutdown:   "10s",
			MaxConnections: 32,
		},
		Keystore: &KeystoreConfig{
			Path:          filepath.Join(brand.DefaultStateDir, "keystore.yaml"),
			AuthorizedURL: "https://cernvm.cern.ch/releases/webapi/keystore",
			LocalAuthKey:  filepath.Join(brand.DefaultStateDir, "auth.key"),
		},
		Throttle: &ThrottleConfig{
			Timespan: "5s",
			Tries:    3,
		},
		Monitor: &MonitorConfig{
			Interval:       "2s",
			LongProbeEvery: 10,
			APIDownRetries: 2,
		},
		Hypervisor: &HypervisorConfig{
			MinVersion: "4.3.0",
			StatePath:  filepath.Join(brand.DefaultStateDir, "sessions.db"),
		},
		Log: &LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// ApplyDefaults fills any omitted block or field from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()

	if c.Listen == nil {
		c.Listen = def.Listen
	} else {
		if c.Listen.Host == "" {
			c.Listen.Host = def.Listen.Host
		}
		if c.Listen.Port == 0 {
			c.Listen.Port = def.Listen.Port
		}
		if c.Listen.IdleShutdown == "" {
			c.Listen.IdleShutdown = def.Listen.IdleShutdown
		}
		if c.Listen.MaxConnections == 0 {
			c.Listen.MaxConnections = def.Listen.MaxConnections
		}
	}

	if c.Keystore == nil {
		c.Keystore = def.Keystore
	} else {
		if c.Keystore.Path == "" {
			c.Keystore.Path = def.Keystore.Path
		}
		if c.Keystore.AuthorizedURL == "" {
			c.Keystore.AuthorizedURL = def.Keystore.AuthorizedURL
		}
		if c.Keystore.LocalAuthKey == "" {
			c.Keystore.LocalAuthKey = def.Keystore.LocalAuthKey
		}
	}

	if c.Throttle == nil {
		c.Throttle = def.Throttle
	} else {
		if c.Throttle.Timespan == "" {
			c.Throttle.Timespan = def.Throttle.Timespan
		}
		if c.Throttle.Tries == 0 {
			c.Throttle.Tries = def.Throttle.Tries
		}
	}

	if c.Monitor == nil {
		c.Monitor = def.Monitor
	} else {
		if c.Monitor.Interval == "" {
			c.Monitor.Interval = def.Monitor.Interval
		}
		if c.Monitor.LongProbeEvery == 0 {
			c.Monitor.LongProbeEvery = def.Monitor.LongProbeEvery
		}
		if c.Monitor.APIDownRetries == 0 {
			c.Monitor.APIDownRetries = def.Monitor.APIDownRetries
		}
	}

	if c.Hypervisor == nil {
		c.Hypervisor = def.Hypervisor
	} else {
		if c.Hypervisor.MinVersion == "" {
			c.Hypervisor.MinVersion = def.Hypervisor.MinVersion
		}
		if c.Hypervisor.StatePath == "" {
			c.Hypervisor.StatePath = def.Hypervisor.StatePath
		}
	}

	if c.Log == nil {
		c.Log = def.Log
	} else if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate checks the configuration for values the daemon refuses to run
// with. The listener must stay on loopback; the trust model depends on it.
func (c *Config) Validate() error {
	ip := net.ParseIP(c.Listen.Host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen.host must be a loopback address, got %q", c.Listen.Host)
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	if _, err := c.IdleShutdown(); err != nil {
		return fmt.Errorf("listen.idle_shutdown: %w", err)
	}
	if d, err := c.ThrottleTimespan(); err != nil || d <= 0 {
		return fmt.Errorf("throttle.timespan must be a positive duration")
	}
	if c.Throttle.Tries <= 0 {
		return fmt.Errorf("throttle.tries must be positive")
	}
	if d, err := c.MonitorInterval(); err != nil || d <= 0 {
		return fmt.Errorf("monitor.interval must be a positive duration")
	}
	if c.Monitor.APIDownRetries <= 0 {
		return fmt.Errorf("monitor.api_down_retries must be positive")
	}
	return nil
}

// IdleShutdown returns the parsed idle-shutdown grace period.
func (c *Config) IdleShutdown() (time.Duration, error) {
	return time.ParseDuration(c.Listen.IdleShutdown)
}

// ThrottleTimespan returns the parsed throttle window.
func (c *Config) ThrottleTimespan() (time.Duration, error) {
	return time.ParseDuration(c.Throttle.Timespan)
}

// MonitorInterval returns the parsed monitor tick interval.
func (c *Config) MonitorInterval() (time.Duration, error) {
	return time.ParseDuration(c.Monitor.Interval)
}
