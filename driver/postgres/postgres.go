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

// Package postgres implements the PostgreSQL pool driver and the
// pg_stat_activity probe backing the load monitor.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/versity/poolwarden/credentials"
)

// Config points the driver at a PostgreSQL server.
type Config struct {
	// DSN in URL or keyword form, e.g.
	// postgres://host:5432/app?sslmode=prefer. Credentials from the
	// provider override any user information embedded here.
	DSN string `json:"dsn" yaml:"dsn"`
}

// Validate reports an unusable configuration.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("postgres dsn is required")
	}
	if _, err := pgx.ParseConfig(c.DSN); err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	return nil
}

// Driver dials PostgreSQL connections for the pool.
type Driver struct {
	cfg   Config
	creds credentials.Provider
}

// New creates a driver. creds may be nil for trust-authenticated or
// DSN-embedded credentials.
func New(cfg *Config, creds credentials.Provider) (*Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{cfg: *cfg, creds: creds}, nil
}

// Name implements pool.Driver.
func (d *Driver) Name() string { return "postgres" }

// Connect implements pool.Driver.
func (d *Driver) Connect(ctx context.Context) (*pgx.Conn, error) {
	connCfg, err := pgx.ParseConfig(d.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if d.creds != nil {
		creds, err := d.creds.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve postgres credentials: %w", err)
		}
		if creds.Username != "" {
			connCfg.User = creds.Username
		}
		if creds.Password != "" {
			connCfg.Password = creds.Password
		}
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return conn, nil
}

// Ping implements pool.Driver.
func (d *Driver) Ping(ctx context.Context, conn *pgx.Conn) error {
	return conn.Ping(ctx)
}

// Close implements pool.Driver.
func (d *Driver) Close(ctx context.Context, conn *pgx.Conn) error {
	return conn.Close(ctx)
}
