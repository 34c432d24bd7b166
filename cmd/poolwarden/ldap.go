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
	goldap "github.com/go-ldap/ldap/v3"
	"github.com/urfave/cli/v2"

	"github.com/versity/poolwarden/driver/ldap"
)

var ldapURL string

func ldapCommand() *cli.Command {
	return &cli.Command{
		Name:  "ldap",
		Usage: "LDAP directory connection pool",
		Description: `Pools bound LDAP connections. The credential username is used as
the bind DN; without credentials connections are bound anonymously.
Health pings are WhoAmI round trips.`,
		Action: runLDAP,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "directory endpoint (ldap:// or ldaps://)",
				EnvVars:     []string{"POOLWARDEN_LDAP_URL"},
				Destination: &ldapURL,
			},
		},
	}
}

func runLDAP(c *cli.Context) error {
	cfg, logger, creds, err := bootstrap()
	if err != nil {
		return err
	}
	if ldapURL != "" {
		cfg.Drivers.LDAP.URL = ldapURL
	}

	drv, err := ldap.New(&cfg.Drivers.LDAP, creds)
	if err != nil {
		return err
	}
	return runControlPlane[*goldap.Conn](c.Context, cfg, logger, drv, nil)
}
