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

// Package automation ties monitoring and scaling together into
// unattended operation: a continuous watchdog that routes critical
// health into immediate scaling, an hourly utilization report, and a
// daily maintenance pass.
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/versity/poolwarden/monitor"
	"github.com/versity/poolwarden/pool"
	"github.com/versity/poolwarden/scaling"
)

// dailyPoll is how often the daily loop wakes to check whether the
// maintenance hour has arrived.
const dailyPoll = time.Minute

// Monitor is the health surface the scheduler drives.
type Monitor interface {
	Check(ctx context.Context) monitor.Snapshot
	Latest() *monitor.Snapshot
	PruneAlerts(maxAge time.Duration) int
}

// Scaler is the scaling surface the scheduler drives.
type Scaler interface {
	EvaluateNow(ctx context.Context) (scaling.Decision, error)
	AnalyzeNow() *scaling.PatternSummary
	Status() scaling.Status
}

// Config holds scheduler intervals.
type Config struct {
	// ContinuousInterval is the watchdog cadence.
	ContinuousInterval time.Duration `json:"continuous_interval" yaml:"continuous_interval"`

	// ReportInterval is the cadence of the utilization report.
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`

	// DailyHour is the local hour [0,23] of the daily maintenance pass.
	DailyHour int `json:"daily_hour" yaml:"daily_hour"`

	// AlertRetention is how much alert history daily maintenance keeps.
	AlertRetention time.Duration `json:"alert_retention" yaml:"alert_retention"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() *Config {
	return &Config{
		ContinuousInterval: time.Minute,
		ReportInterval:     time.Hour,
		DailyHour:          3,
		AlertRetention:     24 * time.Hour,
	}
}

// Validate reports invalid scheduler settings.
func (c *Config) Validate() error {
	if c.ContinuousInterval <= 0 {
		return fmt.Errorf("continuous_interval must be positive, got %s", c.ContinuousInterval)
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("report_interval must be positive, got %s", c.ReportInterval)
	}
	if c.DailyHour < 0 || c.DailyHour > 23 {
		return fmt.Errorf("daily_hour must be in [0, 23], got %d", c.DailyHour)
	}
	if c.AlertRetention <= 0 {
		return fmt.Errorf("alert_retention must be positive, got %s", c.AlertRetention)
	}
	return nil
}

// LoopStatus tracks one scheduler loop.
type LoopStatus struct {
	Runs        int64     `json:"runs"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	Panics      int64     `json:"panics"`
}

// Status summarizes the scheduler for the status API.
type Status struct {
	Running    bool       `json:"running"`
	Continuous LoopStatus `json:"continuous"`
	Hourly     LoopStatus `json:"hourly"`
	Daily      LoopStatus `json:"daily"`
}

// Report is one utilization report.
type Report struct {
	GeneratedAt   time.Time         `json:"generated_at"`
	Pool          pool.Stats        `json:"pool"`
	Health        monitor.Severity  `json:"health"`
	ActiveAlerts  int               `json:"active_alerts"`
	Samples       int               `json:"samples"`
	RecentActions int               `json:"recent_actions"`
	LastDecision  *scaling.Decision `json:"last_decision,omitempty"`
}

// Scheduler runs the three automation loops.
type Scheduler struct {
	cfg     Config
	pools   monitor.StatsSource
	monitor Monitor
	scaler  Scaler
	logger  *logrus.Logger

	mu         sync.Mutex
	running    bool
	continuous LoopStatus
	hourly     LoopStatus
	daily      LoopStatus
	lastDaily  time.Time
}

// NewScheduler creates a scheduler. A nil config uses DefaultConfig.
func NewScheduler(cfg *Config, pools monitor.StatsSource, mon Monitor, scaler Scaler, logger *logrus.Logger) (*Scheduler, error) {
	if pools == nil || mon == nil || scaler == nil {
		return nil, fmt.Errorf("pool stats, monitor, and scaler are required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid automation config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:     *cfg,
		pools:   pools,
		monitor: mon,
		scaler:  scaler,
		logger:  logger,
	}, nil
}

// Run drives all three loops until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.WithFields(logrus.Fields{
		"continuous_interval": s.cfg.ContinuousInterval.String(),
		"report_interval":     s.cfg.ReportInterval.String(),
		"daily_hour":          s.cfg.DailyHour,
	}).Info("automation scheduler started")

	var wg sync.WaitGroup
	loop := func(interval time.Duration, tick func(context.Context)) {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				tick(ctx)
			}
		}
	}
	wg.Add(3)
	go loop(s.cfg.ContinuousInterval, s.tickContinuous)
	go loop(s.cfg.ReportInterval, s.tickHourly)
	go loop(dailyPoll, s.tickDaily)
	wg.Wait()

	s.logger.Info("automation scheduler stopped")
	return nil
}

// Status returns a copy of the loop statistics.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:    s.running,
		Continuous: s.continuous,
		Hourly:     s.hourly,
		Daily:      s.daily,
	}
}

func (s *Scheduler) tickContinuous(ctx context.Context) {
	s.safely("continuous", &s.continuous, func() { s.runContinuous(ctx) })
}

func (s *Scheduler) tickHourly(ctx context.Context) {
	s.safely("hourly", &s.hourly, func() { s.runHourly() })
}

func (s *Scheduler) tickDaily(context.Context) {
	s.safely("daily", &s.daily, func() { s.maybeRunDaily(time.Now()) })
}

// safely isolates a loop body so one panicking pass cannot take the
// scheduler down.
func (s *Scheduler) safely(name string, st *LoopStatus, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			st.Panics++
			st.LastError = fmt.Sprintf("panic: %v", r)
			st.LastErrorAt = time.Now()
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"loop":  name,
				"panic": r,
			}).Error("automation loop panicked")
		}
	}()
	fn()
}

// runContinuous is one watchdog pass: evaluate health and, on critical
// overload, force a scaling evaluation instead of waiting for the
// engine's own cadence.
func (s *Scheduler) runContinuous(ctx context.Context) {
	s.noteRun(&s.continuous)

	snap := s.monitor.Check(ctx)
	if snap.Overall != monitor.SeverityCritical {
		return
	}

	s.logger.WithField("health", snap.Overall.String()).
		Warn("critical pool health, forcing scaling evaluation")
	d, err := s.scaler.EvaluateNow(ctx)
	if err != nil {
		s.noteError(&s.continuous, err)
		s.logger.WithError(err).Error("forced scaling evaluation failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"action":   d.Action.String(),
		"executed": d.Executed,
	}).Info("forced scaling evaluation complete")
}

// runHourly logs the utilization report.
func (s *Scheduler) runHourly() {
	s.noteRun(&s.hourly)

	r := s.Report()
	fields := logrus.Fields{
		"pool_size":      r.Pool.Size,
		"in_use":         r.Pool.InUse,
		"utilization":    r.Pool.Utilization,
		"health":         r.Health.String(),
		"active_alerts":  r.ActiveAlerts,
		"samples":        r.Samples,
		"recent_actions": r.RecentActions,
	}
	if r.LastDecision != nil {
		fields["last_action"] = r.LastDecision.Action.String()
	}
	s.logger.WithFields(fields).Info("utilization report")
}

// Report assembles the current utilization report.
func (s *Scheduler) Report() Report {
	st := s.scaler.Status()
	r := Report{
		GeneratedAt:   time.Now(),
		Pool:          s.pools.Stats(),
		Samples:       st.Samples,
		RecentActions: len(st.RecentDecisions),
		LastDecision:  st.LastDecision,
	}
	if snap := s.monitor.Latest(); snap != nil {
		r.Health = snap.Overall
		r.ActiveAlerts = len(snap.Alerts)
	}
	return r
}

// maybeRunDaily runs maintenance once per calendar day at the
// configured hour. The guard makes the minute-level poll idempotent.
func (s *Scheduler) maybeRunDaily(now time.Time) {
	s.mu.Lock()
	due := now.Hour() == s.cfg.DailyHour && !sameDay(s.lastDaily, now)
	if due {
		s.lastDaily = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.runDaily()
}

// RunDailyNow triggers the daily maintenance pass out of schedule. The
// next scheduled pass still runs at its own hour.
func (s *Scheduler) RunDailyNow() {
	s.safely("daily", &s.daily, s.runDaily)
}

func (s *Scheduler) runDaily() {
	s.noteRun(&s.daily)

	pruned := s.monitor.PruneAlerts(s.cfg.AlertRetention)
	summary := s.scaler.AnalyzeNow()

	fields := logrus.Fields{"pruned_alerts": pruned}
	if summary != nil {
		fields["samples"] = summary.SampleCount
		fields["baseline_load"] = summary.BaselineLoad
		fields["peak_windows"] = len(summary.PeakWindows)
	}
	s.logger.WithFields(fields).Info("daily maintenance complete")
}

func (s *Scheduler) noteRun(st *LoopStatus) {
	s.mu.Lock()
	st.Runs++
	st.LastRun = time.Now()
	s.mu.Unlock()
}

func (s *Scheduler) noteError(st *LoopStatus, err error) {
	s.mu.Lock()
	st.LastError = err.Error()
	st.LastErrorAt = time.Now()
	s.mu.Unlock()
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
