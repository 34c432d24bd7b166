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

package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	vault "github.com/hashicorp/vault-client-go"
	"github.com/sirupsen/logrus"
)

// VaultConfig points at a KV v2 secret holding the credential pair.
type VaultConfig struct {
	Address        string        `json:"address" yaml:"address"`
	Token          string        `json:"token" yaml:"token"`
	Mount          string        `json:"mount" yaml:"mount"`
	Path           string        `json:"path" yaml:"path"`
	UsernameKey    string        `json:"username_key" yaml:"username_key"`
	PasswordKey    string        `json:"password_key" yaml:"password_key"`
	CacheTTL       time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// DefaultVaultConfig returns the KV v2 defaults.
func DefaultVaultConfig() *VaultConfig {
	return &VaultConfig{
		Mount:          "secret",
		UsernameKey:    "username",
		PasswordKey:    "password",
		CacheTTL:       5 * time.Minute,
		RequestTimeout: 10 * time.Second,
	}
}

// Validate reports missing vault settings.
func (c *VaultConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("vault address is required")
	}
	if c.Token == "" {
		return fmt.Errorf("vault token is required")
	}
	if c.Path == "" {
		return fmt.Errorf("vault secret path is required")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("vault cache_ttl must not be negative, got %s", c.CacheTTL)
	}
	return nil
}

// VaultProvider reads credentials from Vault with a TTL cache in front
// so per-dial Retrieve calls do not hammer the secret mount.
type VaultProvider struct {
	cfg    VaultConfig
	client *vault.Client
	logger *logrus.Logger

	mu      sync.Mutex
	cached  Credentials
	fetched time.Time
}

// NewVaultProvider builds a provider for the configured secret.
func NewVaultProvider(cfg *VaultConfig, logger *logrus.Logger) (*VaultProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vault config is required")
	}
	merged := *DefaultVaultConfig()
	merged.Address = cfg.Address
	merged.Token = cfg.Token
	merged.Path = cfg.Path
	if cfg.Mount != "" {
		merged.Mount = cfg.Mount
	}
	if cfg.UsernameKey != "" {
		merged.UsernameKey = cfg.UsernameKey
	}
	if cfg.PasswordKey != "" {
		merged.PasswordKey = cfg.PasswordKey
	}
	if cfg.CacheTTL > 0 {
		merged.CacheTTL = cfg.CacheTTL
	}
	if cfg.RequestTimeout > 0 {
		merged.RequestTimeout = cfg.RequestTimeout
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vault config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	client, err := vault.New(
		vault.WithAddress(merged.Address),
		vault.WithRequestTimeout(merged.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if err := client.SetToken(merged.Token); err != nil {
		return nil, fmt.Errorf("set vault token: %w", err)
	}

	return &VaultProvider{
		cfg:    merged,
		client: client,
		logger: logger,
	}, nil
}

// Retrieve implements Provider. A read failure after a successful fetch
// serves the cached pair, a Vault outage must not take the pool down
// with it.
func (p *VaultProvider) Retrieve(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	if !p.fetched.IsZero() && time.Since(p.fetched) < p.cfg.CacheTTL {
		creds := p.cached
		p.mu.Unlock()
		return creds, nil
	}
	p.mu.Unlock()

	resp, err := p.client.Secrets.KvV2Read(ctx, p.cfg.Path,
		vault.WithMountPath(p.cfg.Mount))
	if err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.fetched.IsZero() {
			p.logger.WithError(err).WithField("path", p.cfg.Path).
				Warn("vault read failed, serving cached credentials")
			return p.cached, nil
		}
		return Credentials{}, fmt.Errorf("read vault secret %s: %w", p.cfg.Path, err)
	}

	creds, err := credentialsFromSecret(resp.Data.Data, p.cfg.UsernameKey, p.cfg.PasswordKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("vault secret %s: %w", p.cfg.Path, err)
	}

	p.mu.Lock()
	p.cached = creds
	p.fetched = time.Now()
	p.mu.Unlock()

	p.logger.WithField("path", p.cfg.Path).Debug("credentials refreshed from vault")
	return creds, nil
}

func credentialsFromSecret(data map[string]interface{}, usernameKey, passwordKey string) (Credentials, error) {
	username, ok := data[usernameKey].(string)
	if !ok {
		return Credentials{}, fmt.Errorf("missing string field %q", usernameKey)
	}
	password, ok := data[passwordKey].(string)
	if !ok {
		return Credentials{}, fmt.Errorf("missing string field %q", passwordKey)
	}
	return Credentials{Username: username, Password: password}, nil
}
