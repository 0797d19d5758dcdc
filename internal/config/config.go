// Copyright 2025 Auterity, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/auterity/engine/pkg/errors"
)

// Duration is a time.Duration that unmarshals from YAML strings
// ("30s", "5m") or integer nanoseconds.
type Duration time.Duration

// Duration returns the standard library value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the complete daemon configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Store         StoreConfig         `yaml:"store"`
	Engine        EngineConfig        `yaml:"engine"`
	AI            AIConfig            `yaml:"ai"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text". Default: json.
	Format string `yaml:"format,omitempty"`
}

// StoreConfig selects and configures the execution store backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory". Default: sqlite.
	Backend string `yaml:"backend,omitempty"`

	// Path is the sqlite database file. Default: auterity.db.
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging. Default: true.
	WAL *bool `yaml:"wal,omitempty"`
}

// EngineConfig configures execution scheduling.
type EngineConfig struct {
	// MaxConcurrency is the per-execution default step parallelism.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`

	// PoolSize bounds in-flight steps process-wide.
	PoolSize int `yaml:"pool_size,omitempty"`

	// StepTimeout is the default per-step timeout.
	StepTimeout Duration `yaml:"step_timeout,omitempty"`

	// ExecutionTimeout is the default per-execution timeout.
	ExecutionTimeout Duration `yaml:"execution_timeout,omitempty"`

	// CancellationGracePeriod is how long running handlers get to
	// observe cancellation.
	CancellationGracePeriod Duration `yaml:"cancellation_grace_period,omitempty"`
}

// AIConfig configures the routing client.
type AIConfig struct {
	// CatalogPath is the model catalog YAML file, watched for rate
	// refreshes. Empty disables AI steps.
	CatalogPath string `yaml:"catalog_path,omitempty"`

	// RulesetsPath is the tenant steering rulesets YAML file.
	RulesetsPath string `yaml:"rulesets_path,omitempty"`

	// RatePerSecond and RateBurst shape the per-(tenant, provider)
	// token bucket.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
	RateBurst     int     `yaml:"rate_burst,omitempty"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// TracingEnabled turns on OTLP-less stdout span export.
	TracingEnabled bool `yaml:"tracing_enabled,omitempty"`

	// MetricsAddr serves /metrics when set (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	wal := true
	return &Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: Duration(15 * time.Second)},
		Log:    LogConfig{Level: "info", Format: "json"},
		Store:  StoreConfig{Backend: "sqlite", Path: "auterity.db", WAL: &wal},
		Engine: EngineConfig{
			MaxConcurrency:          8,
			PoolSize:                64,
			StepTimeout:             Duration(5 * time.Minute),
			ExecutionTimeout:        Duration(time.Hour),
			CancellationGracePeriod: Duration(30 * time.Second),
		},
		AI: AIConfig{RatePerSecond: 10, RateBurst: 10},
	}
}

// Load reads the config file at path, layering it over the defaults.
// A missing file returns the defaults; a malformed one returns a
// ConfigError.
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
		return nil, &errors.ConfigError{Key: path, Reason: "cannot read config file", Cause: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &errors.ConfigError{Key: path, Reason: "cannot parse config file", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for consistency.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "sqlite", "memory":
	default:
		return &errors.ConfigError{
			Key:    "store.backend",
			Reason: fmt.Sprintf("unknown backend %q, want sqlite or memory", c.Store.Backend),
		}
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return &errors.ConfigError{Key: "store.path", Reason: "sqlite backend requires a path"}
	}
	if c.Engine.MaxConcurrency < 0 {
		return &errors.ConfigError{Key: "engine.max_concurrency", Reason: "must be >= 0"}
	}
	if c.Engine.PoolSize < 0 {
		return &errors.ConfigError{Key: "engine.pool_size", Reason: "must be >= 0"}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return &errors.ConfigError{
			Key:    "log.level",
			Reason: fmt.Sprintf("unknown level %q", c.Log.Level),
		}
	}
	return nil
}
