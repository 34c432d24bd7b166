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

// Package metrics publishes pool, breaker, scaling, and health
// telemetry to StatsD and DogStatsD servers.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	dogstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/sirupsen/logrus"
	statsd "github.com/smira/go-statsd"

	"github.com/versity/poolwarden/breaker"
	"github.com/versity/poolwarden/monitor"
	"github.com/versity/poolwarden/pool"
	"github.com/versity/poolwarden/scaling"
)

const metricPrefix = "poolwarden."

// Config selects metric sinks. Empty server lists disable publishing.
type Config struct {
	// ServiceName tags every metric with service:<name>.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// StatsdServers is a comma separated list of StatsD endpoints.
	StatsdServers string `json:"statsd_servers" yaml:"statsd_servers"`

	// DogStatsdServers is a comma separated list of DogStatsD endpoints.
	DogStatsdServers string `json:"dogstatsd_servers" yaml:"dogstatsd_servers"`

	// FlushInterval is the gauge publishing cadence.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns metrics defaults with publishing disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:   "poolwarden",
		FlushInterval: 10 * time.Second,
	}
}

// Validate reports invalid metrics settings.
func (c *Config) Validate() error {
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval)
	}
	return nil
}

// Tag annotates a metric.
type Tag struct {
	Key   string
	Value string
}

// StringTag builds a Tag.
func StringTag(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

type sender interface {
	Gauge(name string, value float64, tags ...Tag)
	Count(name string, value int64, tags ...Tag)
	Close() error
}

// PoolSource supplies the pool gauges.
type PoolSource interface {
	Stats() pool.Stats
}

// BreakerSource supplies per-breaker gauges.
type BreakerSource interface {
	Stats() map[string]breaker.Stats
}

// Manager owns the metric sinks and the flush loop.
type Manager struct {
	cfg      Config
	senders  []sender
	pools    PoolSource
	breakers BreakerSource
	logger   *logrus.Logger
}

// NewManager connects the configured sinks. With no servers configured
// the manager is inert and all record calls are no-ops.
func NewManager(cfg *Config, pools PoolSource, breakers BreakerSource, logger *logrus.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	m := &Manager{cfg: *cfg, pools: pools, breakers: breakers, logger: logger}
	service := cfg.ServiceName
	if service == "" {
		service = "poolwarden"
	}

	for _, addr := range splitServers(cfg.StatsdServers) {
		m.senders = append(m.senders, newStatsdSender(addr, service))
		logger.WithField("server", addr).Info("statsd metrics enabled")
	}
	for _, addr := range splitServers(cfg.DogStatsdServers) {
		s, err := newDogstatsdSender(addr, service, logger)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("connect dogstatsd %s: %w", addr, err)
		}
		m.senders = append(m.senders, s)
		logger.WithField("server", addr).Info("dogstatsd metrics enabled")
	}
	return m, nil
}

// Enabled reports whether any sink is configured.
func (m *Manager) Enabled() bool {
	return len(m.senders) > 0
}

// Run flushes gauges on the configured interval until the context is
// canceled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.Enabled() {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(m.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Flush()
		}
	}
}

// Flush publishes one snapshot of pool and breaker gauges.
func (m *Manager) Flush() {
	if !m.Enabled() {
		return
	}
	if m.pools != nil {
		st := m.pools.Stats()
		m.gauge("pool.size", float64(st.Size))
		m.gauge("pool.available", float64(st.Available))
		m.gauge("pool.in_use", float64(st.InUse))
		m.gauge("pool.pending", float64(st.Pending))
		m.gauge("pool.dynamic_max", float64(st.DynamicMaxSize))
		m.gauge("pool.utilization", st.Utilization)
		m.gauge("pool.created_total", float64(st.Created))
		m.gauge("pool.destroyed_total", float64(st.Destroyed))
		m.gauge("pool.acquired_total", float64(st.Acquired))
		m.gauge("pool.acquire_failures_total", float64(st.AcquireFailures))
	}
	if m.breakers != nil {
		for name, st := range m.breakers.Stats() {
			tag := StringTag("breaker", name)
			m.gauge("breaker.state", float64(st.State), tag)
			m.gauge("breaker.requests_total", float64(st.TotalRequests), tag)
			m.gauge("breaker.failures_total", float64(st.TotalFailures), tag)
			m.gauge("breaker.rejections_total", float64(st.Rejections), tag)
		}
	}
}

// RecordDecision publishes a scaling action. Wire it as the engine's
// decision callback.
func (m *Manager) RecordDecision(d scaling.Decision) {
	m.count("scaling.decisions", 1,
		StringTag("action", d.Action.String()),
		StringTag("executed", strconv.FormatBool(d.Executed)),
	)
}

// RecordAlert publishes a health alert. Wire it as the monitor's alert
// callback.
func (m *Manager) RecordAlert(a monitor.Alert) {
	m.count("monitor.alerts", 1,
		StringTag("severity", a.Severity.String()),
		StringTag("check", a.Check),
	)
}

// RecordBreakerTransition publishes a breaker state change. Wire it as
// the registry's state-change callback.
func (m *Manager) RecordBreakerTransition(name string, from, to breaker.State) {
	m.count("breaker.transitions", 1,
		StringTag("breaker", name),
		StringTag("from", from.String()),
		StringTag("to", to.String()),
	)
}

// Close flushes and closes all sinks.
func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.senders {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.senders = nil
	return errors.Join(errs...)
}

func (m *Manager) gauge(name string, value float64, tags ...Tag) {
	for _, s := range m.senders {
		s.Gauge(name, value, tags...)
	}
}

func (m *Manager) count(name string, value int64, tags ...Tag) {
	for _, s := range m.senders {
		s.Count(name, value, tags...)
	}
}

func splitServers(servers string) []string {
	var out []string
	for _, part := range strings.Split(servers, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type statsdSender struct {
	client *statsd.Client
}

func newStatsdSender(addr, service string) *statsdSender {
	return &statsdSender{client: statsd.NewClient(addr,
		statsd.MetricPrefix(metricPrefix),
		statsd.TagStyle(statsd.TagFormatDatadog),
		statsd.DefaultTags(statsd.StringTag("service", service)),
	)}
}

func (s *statsdSender) Gauge(name string, value float64, tags ...Tag) {
	s.client.FGauge(name, value, statsdTags(tags)...)
}

func (s *statsdSender) Count(name string, value int64, tags ...Tag) {
	s.client.Incr(name, value, statsdTags(tags)...)
}

func (s *statsdSender) Close() error {
	return s.client.Close()
}

func statsdTags(tags []Tag) []statsd.Tag {
	out := make([]statsd.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, statsd.StringTag(t.Key, t.Value))
	}
	return out
}

type dogstatsdSender struct {
	client *dogstatsd.Client
	logger *logrus.Logger
}

func newDogstatsdSender(addr, service string, logger *logrus.Logger) (*dogstatsdSender, error) {
	client, err := dogstatsd.New(addr,
		dogstatsd.WithNamespace(metricPrefix),
		dogstatsd.WithTags([]string{"service:" + service}),
	)
	if err != nil {
		return nil, err
	}
	return &dogstatsdSender{client: client, logger: logger}, nil
}

func (s *dogstatsdSender) Gauge(name string, value float64, tags ...Tag) {
	if err := s.client.Gauge(name, value, dogTags(tags), 1); err != nil {
		s.logger.WithError(err).Debug("dogstatsd gauge send failed")
	}
}

func (s *dogstatsdSender) Count(name string, value int64, tags ...Tag) {
	if err := s.client.Count(name, value, dogTags(tags), 1); err != nil {
		s.logger.WithError(err).Debug("dogstatsd count send failed")
	}
}

func (s *dogstatsdSender) Close() error {
	return s.client.Close()
}

func dogTags(tags []Tag) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.Key+":"+t.Value)
	}
	return out
}
