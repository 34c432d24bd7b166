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

// Package ldap implements the LDAP directory pool driver. The
// go-ldap client carries no context support, so the configured
// timeouts bound dials and requests instead.
package ldap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/versity/poolwarden/credentials"
)

// Config holds LDAP server settings.
type Config struct {
	// URL is an ldap:// or ldaps:// endpoint.
	URL            string        `json:"url" yaml:"url"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// DefaultConfig returns production-reasonable LDAP settings.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Validate reports an unusable configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("ldap url is required")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	return nil
}

// Driver dials bound LDAP connections for the pool. The credential
// username is used as the bind DN.
type Driver struct {
	cfg   Config
	creds credentials.Provider
}

// New creates a driver. creds may be nil for anonymous binds.
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
func (d *Driver) Name() string { return "ldap" }

// Connect implements pool.Driver.
func (d *Driver) Connect(ctx context.Context) (*ldap.Conn, error) {
	conn, err := ldap.DialURL(d.cfg.URL,
		ldap.DialWithDialer(&net.Dialer{Timeout: d.cfg.ConnectTimeout}))
	if err != nil {
		return nil, fmt.Errorf("dial ldap: %w", err)
	}
	conn.SetTimeout(d.cfg.RequestTimeout)

	if err := d.bind(ctx, conn); err != nil {
		if cerr := conn.Close(); cerr != nil {
			err = fmt.Errorf("%w (close: %w)", err, cerr)
		}
		return nil, err
	}
	return conn, nil
}

func (d *Driver) bind(ctx context.Context, conn *ldap.Conn) error {
	if d.creds == nil {
		if err := conn.UnauthenticatedBind(""); err != nil {
			return fmt.Errorf("anonymous bind: %w", err)
		}
		return nil
	}
	creds, err := d.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("resolve ldap credentials: %w", err)
	}
	if creds.Username == "" {
		if err := conn.UnauthenticatedBind(""); err != nil {
			return fmt.Errorf("anonymous bind: %w", err)
		}
		return nil
	}
	if err := conn.Bind(creds.Username, creds.Password); err != nil {
		return fmt.Errorf("bind %q: %w", creds.Username, err)
	}
	return nil
}

// Ping implements pool.Driver. A WhoAmI round trip verifies both the
// TCP session and the bind.
func (d *Driver) Ping(ctx context.Context, conn *ldap.Conn) error {
	if _, err := conn.WhoAmI(nil); err != nil {
		return fmt.Errorf("ldap whoami: %w", err)
	}
	return nil
}

// Close implements pool.Driver.
func (d *Driver) Close(ctx context.Context, conn *ldap.Conn) error {
	return conn.Close()
}
