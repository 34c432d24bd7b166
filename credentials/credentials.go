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

// Package credentials resolves backend credentials from static
// configuration or HashiCorp Vault. Drivers call Retrieve on every
// dial, so rotated secrets take effect without a restart.
package credentials

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Credential sources.
const (
	SourceStatic = "static"
	SourceVault  = "vault"
)

// Credentials is the username/password pair handed to a driver.
type Credentials struct {
	Username string
	Password string
}

// Provider resolves credentials at connect time.
type Provider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

// Config selects and parameterizes a credential source.
type Config struct {
	Source   string      `json:"source" yaml:"source"`
	Username string      `json:"username,omitempty" yaml:"username,omitempty"`
	Password string      `json:"password,omitempty" yaml:"password,omitempty"`
	Vault    VaultConfig `json:"vault" yaml:"vault"`
}

// DefaultConfig returns a static source with empty credentials.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceStatic,
		Vault:  *DefaultVaultConfig(),
	}
}

// Validate reports an unusable credential configuration. Empty static
// credentials are allowed, backends with trust auth need none.
func (c *Config) Validate() error {
	switch c.Source {
	case "", SourceStatic:
		return nil
	case SourceVault:
		return c.Vault.Validate()
	default:
		return fmt.Errorf("unknown credentials source %q", c.Source)
	}
}

// FromConfig builds the provider cfg describes.
func FromConfig(cfg *Config, logger *logrus.Logger) (Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Source {
	case "", SourceStatic:
		return NewStaticProvider(cfg.Username, cfg.Password), nil
	case SourceVault:
		return NewVaultProvider(&cfg.Vault, logger)
	default:
		return nil, fmt.Errorf("unknown credentials source %q", cfg.Source)
	}
}

// StaticProvider serves fixed credentials.
type StaticProvider struct {
	creds Credentials
}

// NewStaticProvider returns a provider serving the given pair.
func NewStaticProvider(username, password string) *StaticProvider {
	return &StaticProvider{creds: Credentials{Username: username, Password: password}}
}

// Retrieve implements Provider.
func (p *StaticProvider) Retrieve(context.Context) (Credentials, error) {
	return p.creds, nil
}
