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
	"strings"

	"github.com/gocql/gocql"
	"github.com/urfave/cli/v2"

	"github.com/versity/poolwarden/driver/scylla"
)

var (
	scyllaHosts    string
	scyllaKeyspace string
)

func scyllaCommand() *cli.Command {
	return &cli.Command{
		Name:  "scylla",
		Usage: "ScyllaDB/Cassandra session pool",
		Description: `Pools gocql sessions against a ScyllaDB or Cassandra cluster. Each
pooled connection is one session with a small fixed number of TCP
conns, so pool resizing scales session count.`,
		Action: runScylla,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "hosts",
				Usage:       "comma-separated list of cluster hosts (e.g. 'scylla-1:9042,scylla-2:9042')",
				EnvVars:     []string{"POOLWARDEN_SCYLLA_HOSTS"},
				Destination: &scyllaHosts,
			},
			&cli.StringFlag{
				Name:        "keyspace",
				Usage:       "keyspace to bind sessions to",
				EnvVars:     []string{"POOLWARDEN_SCYLLA_KEYSPACE"},
				Destination: &scyllaKeyspace,
			},
		},
	}
}

func runScylla(c *cli.Context) error {
	cfg, logger, creds, err := bootstrap()
	if err != nil {
		return err
	}
	if scyllaHosts != "" {
		hosts := strings.Split(scyllaHosts, ",")
		for i, h := range hosts {
			hosts[i] = strings.TrimSpace(h)
		}
		cfg.Drivers.Scylla.Hosts = hosts
	}
	if scyllaKeyspace != "" {
		cfg.Drivers.Scylla.Keyspace = scyllaKeyspace
	}

	drv, err := scylla.New(&cfg.Drivers.Scylla, creds)
	if err != nil {
		return err
	}
	return runControlPlane[*gocql.Session](c.Context, cfg, logger, drv, nil)
}
