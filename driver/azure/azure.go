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

// Package azure implements the Azure Blob Storage pool driver.
package azure

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/versity/poolwarden/credentials"
)

// Config holds Azure Blob Storage settings.
type Config struct {
	// AccountName is the storage account. Ignored when the credential
	// provider supplies one as its username.
	AccountName string `json:"account_name" yaml:"account_name"`
	// ServiceURL overrides the derived
	// https://<account>.blob.core.windows.net endpoint, e.g. for
	// Azurite.
	ServiceURL string `json:"service_url" yaml:"service_url"`
	// Container is probed on connect and ping.
	Container string `json:"container" yaml:"container"`
}

// Validate reports an unusable configuration.
func (c *Config) Validate() error {
	if c.AccountName == "" && c.ServiceURL == "" {
		return fmt.Errorf("azure account_name or service_url is required")
	}
	if c.Container == "" {
		return fmt.Errorf("azure container is required")
	}
	return nil
}

// Driver builds verified Azure blob clients for the pool. The
// credential username and password map to account name and shared
// key; without them the default Azure credential chain is used.
type Driver struct {
	cfg   Config
	creds credentials.Provider
}

// New creates a driver. creds may be nil for managed identity or
// environment-based authentication.
func New(cfg *Config, creds credentials.Provider) (*Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("azure config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{cfg: *cfg, creds: creds}, nil
}

// Name implements pool.Driver.
func (d *Driver) Name() string { return "azure" }

// Connect implements pool.Driver.
func (d *Driver) Connect(ctx context.Context) (*azblob.Client, error) {
	account := d.cfg.AccountName
	key := ""
	if d.creds != nil {
		creds, err := d.creds.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve azure credentials: %w", err)
		}
		if creds.Username != "" {
			account = creds.Username
		}
		key = creds.Password
	}

	serviceURL := d.cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}

	var client *azblob.Client
	var err error
	if key != "" {
		cred, kerr := azblob.NewSharedKeyCredential(account, key)
		if kerr != nil {
			return nil, fmt.Errorf("azure shared key: %w", kerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	} else {
		cred, cerr := azidentity.NewDefaultAzureCredential(nil)
		if cerr != nil {
			return nil, fmt.Errorf("azure default credential: %w", cerr)
		}
		client, err = azblob.NewClient(serviceURL, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}

	if err := d.Ping(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Ping implements pool.Driver.
func (d *Driver) Ping(ctx context.Context, client *azblob.Client) error {
	_, err := client.ServiceClient().NewContainerClient(d.cfg.Container).GetProperties(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			return fmt.Errorf("container %q properties: %s (status %d)",
				d.cfg.Container, respErr.ErrorCode, respErr.StatusCode)
		}
		return fmt.Errorf("container %q properties: %w", d.cfg.Container, err)
	}
	return nil
}

// Close implements pool.Driver. Blob clients hold no dedicated
// resources.
func (d *Driver) Close(ctx context.Context, client *azblob.Client) error {
	return nil
}
