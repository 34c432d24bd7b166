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

package main

import (
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/urfave/cli/v2"

	"github.com/versity/poolwarden/driver/s3"
)

var (
	s3Endpoint  string
	s3Region    string
	s3Bucket    string
	s3PathStyle bool
)

func s3Command() *cli.Command {
	return &cli.Command{
		Name:  "s3",
		Usage: "S3 object store client pool",
		Description: `Pools verified S3 clients. Connect and ping issue HeadBucket
against the configured bucket, so the pool doubles as a
reachability and authorization check. The credential username and
password map to access key ID and secret access key; without
credentials the ambient AWS chain is used.`,
		Action: runS3,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "endpoint",
				Usage:       "endpoint override for MinIO or gateways (empty for AWS)",
				EnvVars:     []string{"POOLWARDEN_S3_ENDPOINT"},
				Destination: &s3Endpoint,
			},
			&cli.StringFlag{
				Name:        "region",
				Usage:       "bucket region",
				EnvVars:     []string{"POOLWARDEN_S3_REGION"},
				Destination: &s3Region,
			},
			&cli.StringFlag{
				Name:        "bucket",
				Usage:       "bucket probed on connect and ping",
				EnvVars:     []string{"POOLWARDEN_S3_BUCKET"},
				Destination: &s3Bucket,
			},
			&cli.BoolFlag{
				Name:        "path-style",
				Usage:       "address buckets as path segments (required by most non-AWS endpoints)",
				EnvVars:     []string{"POOLWARDEN_S3_PATH_STYLE"},
				Destination: &s3PathStyle,
			},
		},
	}
}

func runS3(c *cli.Context) error {
	cfg, logger, creds, err := bootstrap()
	if err != nil {
		return err
	}
	if s3Endpoint != "" {
		cfg.Drivers.S3.Endpoint = s3Endpoint
	}
	if s3Region != "" {
		cfg.Drivers.S3.Region = s3Region
	}
	if s3Bucket != "" {
		cfg.Drivers.S3.Bucket = s3Bucket
	}
	if c.IsSet("path-style") {
		cfg.Drivers.S3.UsePathStyle = s3PathStyle
	}

	drv, err := s3.New(&cfg.Drivers.S3, creds)
	if err != nil {
		return err
	}
	return runControlPlane[*awss3.Client](c.Context, cfg, logger, drv, nil)
}
