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
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/urfave/cli/v2"

	"github.com/versity/poolwarden/driver/azure"
)

var (
	azureAccount    string
	azureContainer  string
	azureServiceURL string
)

func azureCommand() *cli.Command {
	return &cli.Command{
		Name:  "azure",
		Usage: "Azure Blob Storage client pool",
		Description: `Pools verified Azure blob clients. Connect and ping fetch the
configured container's properties. The credential username and
password map to account name and shared key; without credentials
the default Azure chain (managed identity, environment) is used.`,
		Action: runAzure,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "account",
				Usage:       "storage account name",
				EnvVars:     []string{"POOLWARDEN_AZURE_ACCOUNT"},
				Destination: &azureAccount,
			},
			&cli.StringFlag{
				Name:        "container",
				Usage:       "container probed on connect and ping",
				EnvVars:     []string{"POOLWARDEN_AZURE_CONTAINER"},
				Destination: &azureContainer,
			},
			&cli.StringFlag{
				Name:        "service-url",
				Usage:       "service URL override, e.g. for Azurite",
				EnvVars:     []string{"POOLWARDEN_AZURE_SERVICE_URL"},
				Destination: &azureServiceURL,
			},
		},
	}
}

func runAzure(c *cli.Context) error {
	cfg, logger, creds, err := bootstrap()
	if err != nil {
		return err
	}
	if azureAccount != "" {
		cfg.Drivers.Azure.AccountName = azureAccount
	}
	if azureContainer != "" {
		cfg.Drivers.Azure.Container = azureContainer
	}
	if azureServiceURL != "" {
		cfg.Drivers.Azure.ServiceURL = azureServiceURL
	}

	drv, err := azure.New(&cfg.Drivers.Azure, creds)
	if err != nil {
		return err
	}
	return runControlPlane[*azblob.Client](c.Context, cfg, logger, drv, nil)
}
