// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the on-disk YAML configuration for a
// batch run: output directory, concurrency bounds, retry schedule,
// timeouts, and credential key source.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const configVersion = "1"

// Config mirrors refdl.yaml on disk.
type Config struct {
	Version    string           `yaml:"version"`
	OutputDir  string           `yaml:"output_dir"`
	UserAgent  string           `yaml:"user_agent"`
	Mailto     string           `yaml:"mailto_identifier"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Retry      RetryConfig      `yaml:"retry"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Robots     RobotsConfig     `yaml:"robots"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// ConcurrencyConfig controls global and per-origin parallelism.
type ConcurrencyConfig struct {
	Global          int                         `yaml:"global"`
	PerOriginDefault int                        `yaml:"per_origin_default"`
	DomainOverrides map[string]DomainOverride   `yaml:"domain_overrides,omitempty"`
}

// DomainOverride customizes rate-limit behavior for a single host.
type DomainOverride struct {
	MaxConcurrent     int    `yaml:"max_concurrent"`
	MinIntervalMillis int    `yaml:"min_interval_ms"`
	RespectRetryAfter *bool  `yaml:"respect_retry_after,omitempty"`
}

// RetryConfig controls the backoff schedule.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelaySecs  float64 `yaml:"initial_delay_seconds"`
	Multiplier        float64 `yaml:"multiplier"`
	MaxDelaySecs      float64 `yaml:"max_delay_seconds"`
	JitterFraction    float64 `yaml:"jitter_fraction"`
}

// TimeoutsConfig controls HTTP timeouts.
type TimeoutsConfig struct {
	ConnectSecs float64 `yaml:"connect_seconds"`
	ReadSecs    float64 `yaml:"read_seconds"`
}

// RobotsConfig controls robots.txt enforcement.
type RobotsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CredentialsConfig selects where the credential store's master key comes
// from: "os_keychain", "environment", or "in_memory".
type CredentialsConfig struct {
	KeySource string `yaml:"key_source"`
	EnvVar    string `yaml:"env_var,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Version:   configVersion,
		OutputDir: "./downloads",
		UserAgent: "refdl/1.0",
		Concurrency: ConcurrencyConfig{
			Global:           10,
			PerOriginDefault: 2,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialDelaySecs: 5,
			Multiplier:       2.0,
			MaxDelaySecs:     300,
			JitterFraction:   0.2,
		},
		Timeouts: TimeoutsConfig{
			ConnectSecs: 10,
			ReadSecs:    30,
		},
		Robots: RobotsConfig{Enabled: true},
		Credentials: CredentialsConfig{
			KeySource: "os_keychain",
		},
	}
}

// Load reads and parses a YAML config file, applying Default() for any
// field the file omits by unmarshaling onto a populated default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects a configuration that would misbehave at runtime rather
// than surfacing unclear failures once a batch is already underway.
func (c Config) Validate() error {
	if c.Concurrency.Global <= 0 {
		return fmt.Errorf("concurrency.global must be positive, got %d", c.Concurrency.Global)
	}
	if c.Concurrency.PerOriginDefault <= 0 {
		return fmt.Errorf("concurrency.per_origin_default must be positive, got %d", c.Concurrency.PerOriginDefault)
	}
	for host, ov := range c.Concurrency.DomainOverrides {
		if strings.TrimSpace(host) == "" {
			return fmt.Errorf("concurrency.domain_overrides has an empty host key")
		}
		if ov.MaxConcurrent < 0 {
			return fmt.Errorf("concurrency.domain_overrides[%s].max_concurrent must not be negative", host)
		}
		if ov.MinIntervalMillis < 0 {
			return fmt.Errorf("concurrency.domain_overrides[%s].min_interval_ms must not be negative", host)
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	switch c.Credentials.KeySource {
	case "os_keychain", "environment", "in_memory":
	default:
		return fmt.Errorf("credentials.key_source must be one of os_keychain, environment, in_memory, got %q", c.Credentials.KeySource)
	}
	if c.Credentials.KeySource == "environment" && strings.TrimSpace(c.Credentials.EnvVar) == "" {
		return fmt.Errorf("credentials.env_var is required when key_source is environment")
	}
	return nil
}

func (c RetryConfig) InitialDelay() time.Duration { return durationOf(c.InitialDelaySecs) }
func (c RetryConfig) MaxDelay() time.Duration     { return durationOf(c.MaxDelaySecs) }
func (c TimeoutsConfig) Connect() time.Duration   { return durationOf(c.ConnectSecs) }
func (c TimeoutsConfig) Read() time.Duration      { return durationOf(c.ReadSecs) }

func durationOf(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
