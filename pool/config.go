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

package pool

import (
	"fmt"
	"time"
)

// Config holds sizing and lifecycle settings for a Pool.
type Config struct {
	// Sizing
	MinConnections int `json:"min_connections" yaml:"min_connections"`
	MaxConnections int `json:"max_connections" yaml:"max_connections"`

	// Timeouts for outbound driver calls
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ProbeTimeout   time.Duration `json:"probe_timeout" yaml:"probe_timeout"`

	// Lifecycle limits. A zero value disables the corresponding
	// eviction rule.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	MaxLifetime time.Duration `json:"max_lifetime" yaml:"max_lifetime"`

	// Background maintenance
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	MaxConcurrentProbes int           `json:"max_concurrent_probes" yaml:"max_concurrent_probes"`
}

// DefaultConfig returns the pool settings used when no explicit
// configuration is provided.
func DefaultConfig() *Config {
	return &Config{
		MinConnections:      10,
		MaxConnections:      50,
		ConnectTimeout:      30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		IdleTimeout:         300 * time.Second,
		MaxLifetime:         3600 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		MaxConcurrentProbes: 4,
	}
}

// Validate reports configuration values that would leave the pool
// unable to operate.
func (c *Config) Validate() error {
	if c.MinConnections < 0 {
		return fmt.Errorf("min_connections must not be negative, got %d", c.MinConnections)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", c.MaxConnections)
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("min_connections %d exceeds max_connections %d",
			c.MinConnections, c.MaxConnections)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative, got %s", c.IdleTimeout)
	}
	if c.MaxLifetime < 0 {
		return fmt.Errorf("max_lifetime must not be negative, got %s", c.MaxLifetime)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive, got %s", c.HealthCheckInterval)
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConcurrentProbes <= 0 {
		c.MaxConcurrentProbes = def.MaxConcurrentProbes
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
}
