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

// Package monitor watches pool and database health. Each monitoring
// pass runs a set of independent sub-checks, classifies every result as
// healthy, warning, or critical, and raises alerts for anything that is
// not healthy.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/versity/poolwarden/pool"
)

// StatsSource supplies pool statistics, typically a *pool.Pool.
type StatsSource interface {
	Stats() pool.Stats
}

// Probe answers database-side questions the pool cannot see itself.
// Implementations live with the drivers; a nil probe disables the
// database-backed checks.
type Probe interface {
	// LongRunning counts operations active for longer than olderThan.
	LongRunning(ctx context.Context, olderThan time.Duration) (int, error)
	// Blocked counts operations waiting on locks.
	Blocked(ctx context.Context) (int, error)
}

// Config holds monitoring cadence and classification thresholds.
type Config struct {
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout" yaml:"probe_timeout"`

	UtilizationWarning  float64 `json:"utilization_warning" yaml:"utilization_warning"`
	UtilizationCritical float64 `json:"utilization_critical" yaml:"utilization_critical"`

	// LongRunningAge is the query age past which an operation counts
	// as long-running.
	LongRunningAge      time.Duration `json:"long_running_age" yaml:"long_running_age"`
	LongRunningWarning  int           `json:"long_running_warning" yaml:"long_running_warning"`
	LongRunningCritical int           `json:"long_running_critical" yaml:"long_running_critical"`

	// Growth thresholds are fractional pool growth per hour.
	GrowthWindow   time.Duration `json:"growth_window" yaml:"growth_window"`
	GrowthWarning  float64       `json:"growth_warning" yaml:"growth_warning"`
	GrowthCritical float64       `json:"growth_critical" yaml:"growth_critical"`

	BlockedWarning  int `json:"blocked_warning" yaml:"blocked_warning"`
	BlockedCritical int `json:"blocked_critical" yaml:"blocked_critical"`

	// File descriptor usage thresholds, as a fraction of the process
	// limit. Skipped on platforms where usage cannot be read.
	DescriptorWarning  float64 `json:"descriptor_warning" yaml:"descriptor_warning"`
	DescriptorCritical float64 `json:"descriptor_critical" yaml:"descriptor_critical"`

	// AlertHistory bounds the retained alert ring.
	AlertHistory int `json:"alert_history" yaml:"alert_history"`
}

// DefaultConfig returns the monitor settings used when no explicit
// configuration is provided.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:       60 * time.Second,
		ProbeTimeout:        5 * time.Second,
		UtilizationWarning:  0.8,
		UtilizationCritical: 0.9,
		LongRunningAge:      30 * time.Second,
		LongRunningWarning:  5,
		LongRunningCritical: 20,
		GrowthWindow:        time.Hour,
		GrowthWarning:       0.2,
		GrowthCritical:      0.5,
		BlockedWarning:      3,
		BlockedCritical:     10,
		DescriptorWarning:   0.8,
		DescriptorCritical:  0.9,
		AlertHistory:        500,
	}
}

// Validate reports configuration values that would make monitoring
// results meaningless.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive, got %s", c.CheckInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.UtilizationWarning <= 0 || c.UtilizationWarning > c.UtilizationCritical {
		return fmt.Errorf("utilization thresholds must satisfy 0 < warning <= critical")
	}
	if c.LongRunningWarning < 1 || c.LongRunningWarning > c.LongRunningCritical {
		return fmt.Errorf("long_running thresholds must satisfy 1 <= warning <= critical")
	}
	if c.BlockedWarning < 1 || c.BlockedWarning > c.BlockedCritical {
		return fmt.Errorf("blocked thresholds must satisfy 1 <= warning <= critical")
	}
	if c.AlertHistory < 1 {
		return fmt.Errorf("alert_history must be at least 1, got %d", c.AlertHistory)
	}
	return nil
}

type sizePoint struct {
	at   time.Time
	size int
}

// LoadMonitor periodically inspects the pool and, when a database probe
// is configured, the database itself.
type LoadMonitor struct {
	cfg    Config
	stats  StatsSource
	probe  Probe
	logger *logrus.Logger

	mu      sync.RWMutex
	latest  *Snapshot
	sizes   []sizePoint
	alerts  []Alert
	alertCb func(Alert)
}

// New creates a load monitor over the given stats source. probe may be
// nil. A nil config uses DefaultConfig.
func New(cfg *Config, stats StatsSource, probe Probe, logger *logrus.Logger) (*LoadMonitor, error) {
	if stats == nil {
		return nil, fmt.Errorf("stats source is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoadMonitor{
		cfg:    *cfg,
		stats:  stats,
		probe:  probe,
		logger: logger,
	}, nil
}

// SetAlertCallback registers a callback invoked synchronously for every
// alert raised. Must be set before Run.
func (m *LoadMonitor) SetAlertCallback(fn func(Alert)) {
	m.alertCb = fn
}

// Run executes monitoring passes until the context is canceled.
func (m *LoadMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Check runs one monitoring pass and returns the resulting snapshot.
func (m *LoadMonitor) Check(ctx context.Context) Snapshot {
	now := time.Now()
	st := m.stats.Stats()

	checks := map[string]CheckResult{
		CheckUtilization: m.checkUtilization(st, now),
		CheckSizeTrend:   m.checkSizeTrend(st, now),
		CheckLongRunning: m.checkLongRunning(ctx, now),
		CheckBlocked:     m.checkBlocked(ctx, now),
	}
	if usage, ok := descriptorUsage(); ok {
		checks[CheckDescriptors] = m.classify(CheckDescriptors, usage, now,
			usage >= m.cfg.DescriptorCritical, usage >= m.cfg.DescriptorWarning,
			fmt.Sprintf("%.0f%% of file descriptor limit in use", usage*100))
	}

	snap := Snapshot{
		Overall:   SeverityHealthy,
		Checks:    checks,
		Timestamp: now,
	}
	for _, res := range checks {
		if res.Status > snap.Overall {
			snap.Overall = res.Status
		}
		if res.Status == SeverityHealthy {
			continue
		}
		alert := Alert{
			ID:        ulid.Make().String(),
			Severity:  res.Status,
			Check:     res.Name,
			Message:   res.Message,
			CreatedAt: now,
		}
		snap.Alerts = append(snap.Alerts, alert)
	}

	m.mu.Lock()
	m.latest = &snap
	m.alerts = append(m.alerts, snap.Alerts...)
	if over := len(m.alerts) - m.cfg.AlertHistory; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}
	cb := m.alertCb
	m.mu.Unlock()

	for _, alert := range snap.Alerts {
		entry := m.logger.WithFields(logrus.Fields{
			"alert_id": alert.ID,
			"check":    alert.Check,
			"severity": alert.Severity.String(),
		})
		if alert.Severity == SeverityCritical {
			entry.Error(alert.Message)
		} else {
			entry.Warn(alert.Message)
		}
		if cb != nil {
			cb(alert)
		}
	}
	return snap
}

// Latest returns the most recent snapshot, or nil before the first
// pass.
func (m *LoadMonitor) Latest() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return nil
	}
	snap := *m.latest
	return &snap
}

// AlertHistory returns a copy of the retained alerts, newest last.
func (m *LoadMonitor) AlertHistory() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Alert(nil), m.alerts...)
}

// PruneAlerts drops retained alerts older than maxAge and returns how
// many were removed.
func (m *LoadMonitor) PruneAlerts(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if a.CreatedAt.After(cutoff) {
			kept = append(kept, a)
		}
	}
	pruned := len(m.alerts) - len(kept)
	m.alerts = kept
	return pruned
}

func (m *LoadMonitor) checkUtilization(st pool.Stats, now time.Time) CheckResult {
	msg := fmt.Sprintf("%d of %d connections in use (%.0f%%)",
		st.InUse, st.Size, st.Utilization*100)
	return m.classify(CheckUtilization, st.Utilization, now,
		st.Utilization >= m.cfg.UtilizationCritical,
		st.Utilization >= m.cfg.UtilizationWarning,
		msg)
}

// checkSizeTrend tracks pool size over the growth window and flags
// sustained growth, which usually means demand is outrunning the
// configured maximum or connections are leaking.
func (m *LoadMonitor) checkSizeTrend(st pool.Stats, now time.Time) CheckResult {
	m.mu.Lock()
	m.sizes = append(m.sizes, sizePoint{at: now, size: st.Size})
	cutoff := now.Add(-2 * m.cfg.GrowthWindow)
	for len(m.sizes) > 0 && m.sizes[0].at.Before(cutoff) {
		m.sizes = m.sizes[1:]
	}
	points := append([]sizePoint(nil), m.sizes...)
	m.mu.Unlock()

	windowStart := now.Add(-m.cfg.GrowthWindow)
	var oldest *sizePoint
	for i := range points {
		if !points[i].at.Before(windowStart) {
			oldest = &points[i]
			break
		}
	}
	if oldest == nil || now.Sub(oldest.at) < 10*time.Minute {
		return CheckResult{
			Name:      CheckSizeTrend,
			Status:    SeverityHealthy,
			Message:   "insufficient history for trend analysis",
			CheckedAt: now,
		}
	}

	base := oldest.size
	if base < 1 {
		base = 1
	}
	elapsed := now.Sub(oldest.at)
	rate := (float64(st.Size-oldest.size) / float64(base)) *
		float64(time.Hour) / float64(elapsed)

	msg := fmt.Sprintf("pool size changed %+.0f%%/h over the last %s",
		rate*100, elapsed.Round(time.Minute))
	return m.classify(CheckSizeTrend, rate, now,
		rate >= m.cfg.GrowthCritical, rate >= m.cfg.GrowthWarning, msg)
}

func (m *LoadMonitor) checkLongRunning(ctx context.Context, now time.Time) CheckResult {
	if m.probe == nil {
		return probelessResult(CheckLongRunning, now)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	count, err := m.probe.LongRunning(ctx, m.cfg.LongRunningAge)
	if err != nil {
		return probeFailedResult(CheckLongRunning, err, now)
	}
	msg := fmt.Sprintf("%d operations running longer than %s", count, m.cfg.LongRunningAge)
	return m.classify(CheckLongRunning, float64(count), now,
		count >= m.cfg.LongRunningCritical, count >= m.cfg.LongRunningWarning, msg)
}

func (m *LoadMonitor) checkBlocked(ctx context.Context, now time.Time) CheckResult {
	if m.probe == nil {
		return probelessResult(CheckBlocked, now)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	count, err := m.probe.Blocked(ctx)
	if err != nil {
		return probeFailedResult(CheckBlocked, err, now)
	}
	msg := fmt.Sprintf("%d operations blocked on locks", count)
	return m.classify(CheckBlocked, float64(count), now,
		count >= m.cfg.BlockedCritical, count >= m.cfg.BlockedWarning, msg)
}

func (m *LoadMonitor) classify(name string, value float64, now time.Time, critical, warning bool, msg string) CheckResult {
	status := SeverityHealthy
	switch {
	case critical:
		status = SeverityCritical
	case warning:
		status = SeverityWarning
	}
	return CheckResult{
		Name:      name,
		Status:    status,
		Message:   msg,
		Value:     value,
		CheckedAt: now,
	}
}

func probelessResult(name string, now time.Time) CheckResult {
	return CheckResult{
		Name:      name,
		Status:    SeverityHealthy,
		Message:   "no database probe configured",
		CheckedAt: now,
	}
}

// probeFailedResult degrades a check to warning when the probe itself
// fails; a broken probe must not take the monitor down with it.
func probeFailedResult(name string, err error, now time.Time) CheckResult {
	return CheckResult{
		Name:      name,
		Status:    SeverityWarning,
		Message:   fmt.Sprintf("probe failed: %v", err),
		CheckedAt: now,
	}
}
