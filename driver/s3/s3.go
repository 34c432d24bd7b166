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

// Package s3 implements the S3 object store pool driver. S3 clients
// are stateless HTTP clients, so pooling them bounds concurrent
// request capacity against the endpoint rather than holding sockets
// open.
package s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/versity/poolwarden/credentials"
)

// Config holds S3 endpoint settings.
type Config struct {
	// Endpoint overrides the AWS default, e.g. for MinIO or a gateway.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Region   string `json:"region" yaml:"region"`
	// Bucket is probed on connect and ping to verify reachability and
	// authorization.
	Bucket string `json:"bucket" yaml:"bucket"`
	// UsePathStyle addresses buckets as path segments instead of
	// subdomains, required by most non-AWS endpoints.
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// Validate reports an unusable configuration.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	return nil
}

// Driver builds verified S3 clients for the pool. The credential
// username and password map to access key ID and secret access key.
type Driver struct {
	cfg   Config
	creds credentials.Provider
}

// New creates a driver. creds may be nil to use the ambient AWS
// credential chain.
func New(cfg *Config, creds credentials.Provider) (*Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("s3 config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{cfg: *cfg, creds: creds}, nil
}

// Name implements pool.Driver.
func (d *Driver) Name() string { return "s3" }

// Connect implements pool.Driver. The returned client has already
// served a successful HeadBucket, so a pool warmed to min size proves
// endpoint reachability at startup.
func (d *Driver) Connect(ctx context.Context) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(d.cfg.Region),
	}
	if d.creds != nil {
		creds, err := d.creds.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve s3 credentials: %w", err)
		}
		if creds.Username != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				awscreds.NewStaticCredentialsProvider(creds.Username, creds.Password, "")))
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if d.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(d.cfg.Endpoint)
		}
		o.UsePathStyle = d.cfg.UsePathStyle
	})

	if err := d.Ping(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Ping implements pool.Driver.
func (d *Driver) Ping(ctx context.Context, client *s3.Client) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.cfg.Bucket),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("head bucket %q: %s: %s",
				d.cfg.Bucket, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return fmt.Errorf("head bucket %q: %w", d.cfg.Bucket, err)
	}
	return nil
}

// Close implements pool.Driver. S3 clients hold no dedicated
// resources.
func (d *Driver) Close(ctx context.Context, client *s3.Client) error {
	return nil
}
