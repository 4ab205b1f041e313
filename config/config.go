/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config is the YAML-backed participant configuration, following
// ptp/sptp/client/config.go's DefaultConfig/Validate/ReadConfig shape.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// WatchdogConfig configures the optional step-duration watchdog, §5.
type WatchdogConfig struct {
	SoftResponseTimeout time.Duration `yaml:"soft_response_timeout"`
	HardResponseTimeout time.Duration `yaml:"hard_response_timeout"`
}

// Validate reports whether c is internally consistent.
func (c *WatchdogConfig) Validate() error {
	if c.SoftResponseTimeout < 0 {
		return fmt.Errorf("soft_response_timeout must be 0 or positive")
	}
	if c.HardResponseTimeout < 0 {
		return fmt.Errorf("hard_response_timeout must be 0 or positive")
	}
	if c.SoftResponseTimeout > 0 && c.HardResponseTimeout > 0 && c.HardResponseTimeout < c.SoftResponseTimeout {
		return fmt.Errorf("hard_response_timeout must be >= soft_response_timeout")
	}
	return nil
}

// TimeSyncConfig configures whether and how this participant takes part
// in virtual-time synchronisation, §4.9.
type TimeSyncConfig struct {
	Synchronised bool          `yaml:"synchronised"`
	Step         time.Duration `yaml:"step"`
}

// Validate reports whether c is internally consistent.
func (c *TimeSyncConfig) Validate() error {
	if c.Synchronised && c.Step <= 0 {
		return fmt.Errorf("step must be positive for a synchronised participant")
	}
	return nil
}

// MetricsConfig configures the Prometheus exporter, §6/AMBIENT STACK.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	MonitoringPort int    `yaml:"monitoring_port"`
	ListenAddress  string `yaml:"listen_address"`
}

// Validate reports whether c is internally consistent.
func (c *MetricsConfig) Validate() error {
	if c.Enabled && (c.MonitoringPort <= 0 || c.MonitoringPort > 65535) {
		return fmt.Errorf("monitoring_port must be between 1 and 65535 when metrics are enabled")
	}
	return nil
}

// Config is a participant process's full configuration.
type Config struct {
	// ParticipantName is this process's identity, §3.
	ParticipantName string `yaml:"participant_name"`
	// ConnectURI is the registry's rendezvous address, §6
	// ("silkit://host:port" or "local://path/to/socket").
	ConnectURI string `yaml:"connect_uri"`
	// ListenAddress/ListenPort is where this participant accepts direct
	// peer links, §4.2. Port 0 asks the kernel for a free one.
	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`

	// CoordinatedStart/CoordinatedStop select the lifecycle's setup/ready
	// and teardown gating, §4.7.
	CoordinatedStart bool `yaml:"coordinated_start"`
	CoordinatedStop  bool `yaml:"coordinated_stop"`

	// RequiredParticipantNames is this participant's view of the
	// workflow configuration, §4.8. Only meaningful for the process that
	// owns and publishes it (usually the system controller).
	RequiredParticipantNames []string `yaml:"required_participant_names"`

	TimeSync TimeSyncConfig `yaml:"time_sync"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config initialized with default values, matching
// ptp/sptp/client/config.go's DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:    "0.0.0.0",
		ListenPort:       0,
		CoordinatedStart: true,
		CoordinatedStop:  true,
		TimeSync: TimeSyncConfig{
			Synchronised: false,
			Step:         time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			MonitoringPort: 9090,
			ListenAddress:  "0.0.0.0",
		},
		LogLevel: "info",
	}
}

// Validate reports whether c is sane, matching ptp/sptp/client/config.go's
// (*Config).Validate.
func (c *Config) Validate() error {
	if c.ParticipantName == "" {
		return fmt.Errorf("participant_name must be specified")
	}
	if c.ConnectURI == "" {
		return fmt.Errorf("connect_uri must be specified")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be between 0 and 65535")
	}
	if err := c.TimeSync.Validate(); err != nil {
		return fmt.Errorf("invalid time_sync config: %w", err)
	}
	if err := c.Watchdog.Validate(); err != nil {
		return fmt.Errorf("invalid watchdog config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	switch c.LogLevel {
	case "panic", "fatal", "error", "warn", "warning", "info", "debug", "trace", "":
	default:
		return fmt.Errorf("log_level %q is not a recognized logrus level", c.LogLevel)
	}
	return nil
}

// ReadConfig reads config from path, layering it over DefaultConfig and
// validating the result, matching ptp/sptp/client/config.go's ReadConfig.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
