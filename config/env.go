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

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// applyEnv overrides cfg with POOLWARDEN_* environment variables. An
// unparsable value logs a warning and keeps the previous setting.
func applyEnv(cfg *Config, logger *logrus.Logger) {
	envString("POOLWARDEN_SERVICE", &cfg.Service)
	envString("POOLWARDEN_LOG_LEVEL", &cfg.LogLevel)

	envInt(logger, "POOLWARDEN_MIN_CONNECTIONS", &cfg.Pool.MinConnections)
	envInt(logger, "POOLWARDEN_MAX_CONNECTIONS", &cfg.Pool.MaxConnections)
	envDuration(logger, "POOLWARDEN_CONNECT_TIMEOUT", &cfg.Pool.ConnectTimeout)
	envDuration(logger, "POOLWARDEN_IDLE_TIMEOUT", &cfg.Pool.IdleTimeout)
	envDuration(logger, "POOLWARDEN_MAX_LIFETIME", &cfg.Pool.MaxLifetime)
	envDuration(logger, "POOLWARDEN_HEALTH_CHECK_INTERVAL", &cfg.Pool.HealthCheckInterval)

	envFloat(logger, "POOLWARDEN_SCALE_UP_THRESHOLD", &cfg.Scaling.ScaleUpThreshold)
	envFloat(logger, "POOLWARDEN_SCALE_DOWN_THRESHOLD", &cfg.Scaling.ScaleDownThreshold)
	envFloat(logger, "POOLWARDEN_CRITICAL_THRESHOLD", &cfg.Scaling.CriticalThreshold)
	envInt(logger, "POOLWARDEN_SCALE_STEP", &cfg.Scaling.ScaleStep)
	envDuration(logger, "POOLWARDEN_EVALUATE_INTERVAL", &cfg.Scaling.EvaluateInterval)

	envDuration(logger, "POOLWARDEN_CHECK_INTERVAL", &cfg.Monitor.CheckInterval)
	envDuration(logger, "POOLWARDEN_CONTINUOUS_INTERVAL", &cfg.Automation.ContinuousInterval)
	envInt(logger, "POOLWARDEN_DAILY_HOUR", &cfg.Automation.DailyHour)

	envString("POOLWARDEN_STATUS_ADDRESS", &cfg.StatusAPI.Address)
	envString("POOLWARDEN_STATUS_JWT_SECRET", &cfg.StatusAPI.JWTSecret)

	envString("POOLWARDEN_STATSD_SERVERS", &cfg.Metrics.StatsdServers)
	envString("POOLWARDEN_DOGSTATSD_SERVERS", &cfg.Metrics.DogStatsdServers)

	envString("POOLWARDEN_NATS_URL", &cfg.Events.NATSURL)
	envString("POOLWARDEN_KAFKA_BROKERS", &cfg.Events.KafkaBrokers)
	envString("POOLWARDEN_WEBHOOK_URL", &cfg.Events.WebhookURL)

	envString("POOLWARDEN_CREDENTIALS_SOURCE", &cfg.Credentials.Source)
	envString("POOLWARDEN_DB_USERNAME", &cfg.Credentials.Username)
	envString("POOLWARDEN_DB_PASSWORD", &cfg.Credentials.Password)
	envString("POOLWARDEN_VAULT_ADDR", &cfg.Credentials.Vault.Address)
	envString("POOLWARDEN_VAULT_TOKEN", &cfg.Credentials.Vault.Token)
	envString("POOLWARDEN_VAULT_PATH", &cfg.Credentials.Vault.Path)

	envString("POOLWARDEN_POSTGRES_DSN", &cfg.Drivers.Postgres.DSN)
	envStrings("POOLWARDEN_SCYLLA_HOSTS", &cfg.Drivers.Scylla.Hosts)
	envString("POOLWARDEN_SCYLLA_KEYSPACE", &cfg.Drivers.Scylla.Keyspace)
	envString("POOLWARDEN_LDAP_URL", &cfg.Drivers.LDAP.URL)
	envString("POOLWARDEN_S3_ENDPOINT", &cfg.Drivers.S3.Endpoint)
	envString("POOLWARDEN_S3_REGION", &cfg.Drivers.S3.Region)
	envString("POOLWARDEN_S3_BUCKET", &cfg.Drivers.S3.Bucket)
	envBool(logger, "POOLWARDEN_S3_PATH_STYLE", &cfg.Drivers.S3.UsePathStyle)
	envString("POOLWARDEN_AZURE_ACCOUNT", &cfg.Drivers.Azure.AccountName)
	envString("POOLWARDEN_AZURE_SERVICE_URL", &cfg.Drivers.Azure.ServiceURL)
	envString("POOLWARDEN_AZURE_CONTAINER", &cfg.Drivers.Azure.Container)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envStrings(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func envInt(logger *logrus.Logger, key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		warnEnv(logger, key, v, err)
		return
	}
	*dst = i
}

func envFloat(logger *logrus.Logger, key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		warnEnv(logger, key, v, err)
		return
	}
	*dst = f
}

func envDuration(logger *logrus.Logger, key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		warnEnv(logger, key, v, err)
		return
	}
	*dst = d
}

func envBool(logger *logrus.Logger, key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		warnEnv(logger, key, v, err)
		return
	}
	*dst = b
}

func warnEnv(logger *logrus.Logger, key, value string, err error) {
	logger.WithFields(logrus.Fields{
		"variable": key,
		"value":    value,
	}).WithError(err).Warn("ignoring invalid environment override")
}
