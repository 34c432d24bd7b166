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

// Package scylla implements the ScyllaDB/Cassandra pool driver. Each
// pooled connection is a gocql session with a small number of
// underlying conns, so resizing the pool scales session count rather
// than gocql's internal fan-out.
package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/versity/poolwarden/credentials"
)

// Config holds ScyllaDB cluster settings.
type Config struct {
	Hosts          []string      `json:"hosts" yaml:"hosts"`
	Keyspace       string        `json:"keyspace" yaml:"keyspace"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	// NumConns is the TCP connection count per session.
	NumConns int `json:"num_conns" yaml:"num_conns"`
}

// DefaultConfig returns production-reasonable ScyllaDB settings.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 10 * time.Second,
		ConnectTimeout: 30 * time.Second,
		NumConns:       2,
	}
}

// Validate reports an unusable configuration.
func (c *Config) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("scylla hosts are required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.NumConns < 1 {
		return fmt.Errorf("num_conns must be at least 1, got %d", c.NumConns)
	}
	return nil
}

// Driver dials ScyllaDB sessions for the pool.
type Driver struct {
	cfg   Config
	creds credentials.Provider
}

// New creates a driver. creds may be nil for clusters without
// authentication.
func New(cfg *Config, creds credentials.Provider) (*Driver, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{cfg: *cfg, creds: creds}, nil
}

// Name implements pool.Driver.
func (d *Driver) Name() string { return "scylla" }

// Connect implements pool.Driver.
func (d *Driver) Connect(ctx context.Context) (*gocql.Session, error) {
	cluster := gocql.NewCluster(d.cfg.Hosts...)
	cluster.Keyspace = d.cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = d.cfg.RequestTimeout
	cluster.ConnectTimeout = d.cfg.ConnectTimeout
	cluster.NumConns = d.cfg.NumConns

	if d.creds != nil {
		creds, err := d.creds.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve scylla credentials: %w", err)
		}
		if creds.Username != "" {
			cluster.Authenticator = gocql.PasswordAuthenticator{
				Username: creds.Username,
				Password: creds.Password,
			}
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect scylla: %w", err)
	}
	return session, nil
}

// Ping implements pool.Driver.
func (d *Driver) Ping(ctx context.Context, session *gocql.Session) error {
	return session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
}

// Close implements pool.Driver.
func (d *Driver) Close(ctx context.Context, session *gocql.Session) error {
	session.Close()
	return nil
}
