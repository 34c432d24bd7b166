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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/versity/poolwarden/config"
	"github.com/versity/poolwarden/credentials"
)

var (
	configPath    string
	logLevel      string
	statusAddress string
)

func main() {
	app := &cli.App{
		Name:  "poolwarden",
		Usage: "adaptive connection pool control plane",
		Description: `Poolwarden maintains a connection pool against a database or
storage backend and keeps its size matched to the observed load.

It samples utilization continuously, scales the pool up under
sustained or critical load and back down when idle, learns
weekday/hour load patterns to pre-scale ahead of recurring peaks,
and trips a circuit breaker when the backend fails so it is probed
instead of hammered.

Pool state, health checks, scaling decisions, and breaker state are
exposed over a JSON status API and optionally published to statsd,
NATS, Kafka, or a webhook.

Configuration comes from a JSON/YAML file, POOLWARDEN_* environment
variables, and command-line flags, in increasing order of
precedence. Select the backend with a subcommand.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to configuration file (JSON or YAML)",
				EnvVars:     []string{"POOLWARDEN_CONFIG"},
				Destination: &configPath,
				Aliases:     []string{"c"},
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "logging level (debug, info, warn, error)",
				EnvVars:     []string{"POOLWARDEN_LOG_LEVEL"},
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "status-address",
				Usage:       "listen address for the JSON status API (empty disables)",
				EnvVars:     []string{"POOLWARDEN_STATUS_ADDRESS"},
				Destination: &statusAddress,
			},
		},
		Commands: []*cli.Command{
			postgresCommand(),
			scyllaCommand(),
			ldapCommand(),
			s3Command(),
			azureCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		logrus.WithError(err).Fatal("poolwarden failed")
	}
}

// bootstrap loads configuration, applies global flag overrides, and
// builds the logger and credential provider shared by all backends.
func bootstrap() (*config.Config, *logrus.Logger, credentials.Provider, error) {
	logger := logrus.New()

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if statusAddress != "" {
		cfg.StatusAPI.Address = statusAddress
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	creds, err := credentials.FromConfig(&cfg.Credentials, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, creds, nil
}
