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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/urfave/cli/v2"

	"github.com/versity/poolwarden/driver/postgres"
)

var pgDSN string

func postgresCommand() *cli.Command {
	return &cli.Command{
		Name:  "postgres",
		Usage: "PostgreSQL connection pool",
		Description: `Pools PostgreSQL connections via pgx. This backend also feeds the
load monitor with pg_stat_activity counts, so the long-running and
blocked checks are live rather than probeless.

Credentials from the configured provider (static or Vault) override
any user information embedded in the DSN, which allows rotation
without editing the connection string.`,
		Action: runPostgres,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dsn",
				Usage:       "connection string in URL or keyword form",
				EnvVars:     []string{"POOLWARDEN_POSTGRES_DSN"},
				Destination: &pgDSN,
			},
		},
	}
}

func runPostgres(c *cli.Context) error {
	cfg, logger, creds, err := bootstrap()
	if err != nil {
		return err
	}
	if pgDSN != "" {
		cfg.Drivers.Postgres.DSN = pgDSN
	}

	drv, err := postgres.New(&cfg.Drivers.Postgres, creds)
	if err != nil {
		return err
	}

	probe := postgres.NewProbe(drv, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := probe.Close(ctx); err != nil {
			logger.WithError(err).Debug("probe close failed")
		}
	}()

	return runControlPlane[*pgx.Conn](c.Context, cfg, logger, drv, probe)
}
