// Copyright 2023 Versity Software
// This file is licensed under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package config aggregates all component configuration, loads it
// from JSON or YAML files plus POOLWARDEN_* environment overrides,
// and hot-reloads it on file changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/versity/poolwarden/automation"
	"github.com/versity/poolwarden/breaker"
	"github.com/versity/poolwarden/credentials"
	"github.com/versity/poolwarden/driver/azure"
	"github.com/versity/poolwarden/driver/ldap"
	"github.com/versity/poolwarden/driver/postgres"
	"github.com/versity/poolwarden/driver/s3"
	"github.com/versity/poolwarden/driver/scylla"
	"github.com/versity/poolwarden/event"
	"github.com/versity/poolwarden/metrics"
	"github.com/versity/poolwarden/monitor"
	"github.com/versity/poolwarden/pool"
	"github.com/versity/poolwarden/scaling"
	"github.com/versity/poolwarden/statusapi"
)

// Config is the full control plane configuration. Duration fields are
// nanosecond integers in config files and human strings ("30s") in
// environment variables.
type Config struct {
	// Service names this deployment in logs, metrics tags, and events.
	Service  string `json:"service" yaml:"service"`
	LogLevel string `json:"log_level" yaml:"log_level"`

	Pool        pool.Config        `json:"pool" yaml:"pool"`
	Breaker     breaker.Config     `json:"breaker" yaml:"breaker"`
	Monitor     monitor.Config     `json:"monitor" yaml:"monitor"`
	Scaling     scaling.Config     `json:"scaling" yaml:"scaling"`
	Automation  automation.Config  `json:"automation" yaml:"automation"`
	Metrics     metrics.Config     `json:"metrics" yaml:"metrics"`
	Events      event.Config       `json:"events" yaml:"events"`
	Credentials credentials.Config `json:"credentials" yaml:"credentials"`
	StatusAPI   statusapi.Config   `json:"status_api" yaml:"status_api"`
	Drivers     DriversConfig      `json:"drivers" yaml:"drivers"`
}

// DriversConfig holds per-backend settings. Only the section for the
// backend actually run needs to be populated; driver constructors
// validate their own section.
type DriversConfig struct {
	Postgres postgres.Config `json:"postgres" yaml:"postgres"`
	Scylla   scylla.Config   `json:"scylla" yaml:"scylla"`
	LDAP     ldap.Config     `json:"ldap" yaml:"ldap"`
	S3       s3.Config       `json:"s3" yaml:"s3"`
	Azure    azure.Config    `json:"azure" yaml:"azure"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Service:     "poolwarden",
		LogLevel:    "info",
		Pool:        *pool.DefaultConfig(),
		Breaker:     *breaker.DefaultConfig(),
		Monitor:     *monitor.DefaultConfig(),
		Scaling:     *scaling.DefaultConfig(),
		Automation:  *automation.DefaultConfig(),
		Metrics:     *metrics.DefaultConfig(),
		Events:      *event.DefaultConfig(),
		Credentials: *credentials.DefaultConfig(),
		StatusAPI:   *statusapi.DefaultConfig(),
		Drivers: DriversConfig{
			Scylla: *scylla.DefaultConfig(),
			LDAP:   *ldap.DefaultConfig(),
		},
	}
}

// Load builds the configuration from defaults, an optional file, and
// environment overrides, then validates it. An empty path skips the
// file step.
func Load(path string, logger *logrus.Logger) (*Config, error) {
	if logger == nil {
		logger = logrus.New()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse json config %s: %w", path, err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format %q, want .json, .yaml, or .yml", ext)
		}
	}

	applyEnv(cfg, logger)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every component section. Driver sections are
// excluded; only the selected backend's constructor validates its
// settings.
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	sections := []struct {
		name     string
		validate func() error
	}{
		{"pool", c.Pool.Validate},
		{"breaker", c.Breaker.Validate},
		{"monitor", c.Monitor.Validate},
		{"scaling", c.Scaling.Validate},
		{"automation", c.Automation.Validate},
		{"metrics", c.Metrics.Validate},
		{"events", c.Events.Validate},
		{"credentials", c.Credentials.Validate},
		{"status_api", c.StatusAPI.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}
