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

package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versity/poolwarden/credentials"
)

type failingProvider struct{}

func (failingProvider) Retrieve(ctx context.Context) (credentials.Credentials, error) {
	return credentials.Credentials{}, fmt.Errorf("vault sealed")
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = New(&Config{}, nil)
	assert.ErrorContains(t, err, "dsn is required")

	_, err = New(&Config{DSN: "postgres://u@host:not-a-port/db"}, nil)
	assert.ErrorContains(t, err, "parse postgres dsn")

	d, err := New(&Config{DSN: "postgres://localhost:5432/app"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
}

func TestConnectPropagatesCredentialError(t *testing.T) {
	d, err := New(&Config{DSN: "postgres://localhost:5432/app"}, failingProvider{})
	require.NoError(t, err)

	_, err = d.Connect(context.Background())
	assert.ErrorContains(t, err, "resolve postgres credentials")
	assert.ErrorContains(t, err, "vault sealed")
}
