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

// Package scaling decides when the connection pool should grow or
// shrink. A reactive path reacts to sustained or critical utilization,
// a pattern path learns recurring load by hour and weekday, and a
// predictive path pre-scales ahead of expected peaks.
package scaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/versity/poolwarden/pool"
)

// ErrExecutionFailed wraps pool errors from applying a scaling
// decision.
var ErrExecutionFailed = errors.New("scaling execution failed")

// Pool is the slice of the connection pool the engine drives.
type Pool interface {
	Stats() pool.Stats
	Resize(ctx context.Context, target int) error
}

// Engine owns the scaling loops and their sample and decision history.
type Engine struct {
	cfg    Config
	pool   Pool
	logger *logrus.Logger

	mu        sync.Mutex
	samples   []Sample
	decisions []Decision
	// upLevel and downLevel are the effective thresholds; pattern
	// analysis shifts them away from the configured base when the
	// baseline load is persistently high.
	upLevel      float64
	downLevel    float64
	baseline     float64
	patterns     *PatternSummary
	lastDecision *Decision
	decisionCb   func(Decision)
}

// NewEngine creates a scaling engine driving p. A nil config uses
// DefaultConfig.
func NewEngine(cfg *Config, p Pool, logger *logrus.Logger) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scaling config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		cfg:       *cfg,
		pool:      p,
		logger:    logger,
		upLevel:   cfg.ScaleUpThreshold,
		downLevel: cfg.ScaleDownThreshold,
	}, nil
}

// SetDecisionCallback registers a callback invoked for every decision
// that takes an action. Must be set before Run.
func (e *Engine) SetDecisionCallback(fn func(Decision)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decisionCb = fn
}

// Run drives the evaluate, pattern, and predictive loops until the
// context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	evaluate := time.NewTicker(e.cfg.EvaluateInterval)
	defer evaluate.Stop()
	patterns := time.NewTicker(e.cfg.PatternInterval)
	defer patterns.Stop()
	predict := time.NewTicker(e.cfg.PredictiveInterval)
	defer predict.Stop()

	for {
		select {
		case <-evaluate.C:
			if _, err := e.EvaluateNow(ctx); err != nil {
				e.logger.WithError(err).Error("scaling evaluation failed")
			}
		case <-patterns.C:
			e.AnalyzeNow()
		case <-predict.C:
			if _, err := e.PredictNow(ctx); err != nil {
				e.logger.WithError(err).Error("predictive scaling failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// EvaluateNow samples current utilization, decides, and executes any
// resulting action against the pool. The returned error reports
// execution failures; the decision itself is always returned.
func (e *Engine) EvaluateNow(ctx context.Context) (Decision, error) {
	st := e.pool.Stats()
	now := time.Now()
	smp := Sample{
		Timestamp:   now,
		Utilization: st.Utilization,
		Active:      st.InUse,
		Total:       st.Size,
		HourOfDay:   now.Hour(),
		DayOfWeek:   int(now.Weekday()),
	}

	e.mu.Lock()
	e.samples = appendBounded(e.samples, smp, e.cfg.SampleHistory)
	d := e.decideLocked(st, smp, now)
	e.mu.Unlock()

	var execErr error
	if d.Action != ActionNone {
		execErr = e.execute(ctx, &d)
	}
	e.record(d)
	return d, execErr
}

// decideLocked applies the reactive rules: critical load scales up
// immediately by a double step, ordinary thresholds require the load to
// be sustained over the configured window before acting.
func (e *Engine) decideLocked(st pool.Stats, smp Sample, now time.Time) Decision {
	d := Decision{
		ID:          ulid.Make().String(),
		Timestamp:   now,
		Action:      ActionNone,
		NewPoolSize: st.Size,
	}

	switch {
	case smp.Utilization >= e.cfg.CriticalThreshold:
		d.Action = ActionScaleUpCritical
		d.Confidence = 0.95
		d.Reason = fmt.Sprintf("critical utilization %.2f >= %.2f",
			smp.Utilization, e.cfg.CriticalThreshold)
		d.NewPoolSize = st.Size + 2*e.cfg.ScaleStep
		if d.NewPoolSize > st.MaxSize {
			d.NewPoolSize = st.MaxSize
			d.Recommendations = append(d.Recommendations,
				"pool pinned at max_connections, consider raising it")
		}

	case smp.Utilization >= e.upLevel:
		mean, ok := e.meanLastLocked(e.cfg.SustainedUpWindow)
		if !ok || mean < e.upLevel {
			d.Reason = fmt.Sprintf("utilization %.2f high but not yet sustained", smp.Utilization)
			break
		}
		d.Action = ActionScaleUp
		d.Confidence = 0.8
		d.Reason = fmt.Sprintf("utilization %.2f sustained over %d samples",
			mean, e.cfg.SustainedUpWindow)
		d.NewPoolSize = st.Size + e.cfg.ScaleStep
		if d.NewPoolSize > st.MaxSize {
			d.NewPoolSize = st.MaxSize
			d.Recommendations = append(d.Recommendations,
				"pool pinned at max_connections, consider raising it")
		}

	case smp.Utilization <= e.downLevel && st.Size > st.MinSize:
		mean, ok := e.meanLastLocked(e.cfg.SustainedDownWindow)
		if !ok || mean > e.downLevel {
			d.Reason = fmt.Sprintf("utilization %.2f low but not yet sustained", smp.Utilization)
			break
		}
		d.Action = ActionScaleDown
		d.Confidence = 0.7
		d.Reason = fmt.Sprintf("utilization %.2f sustained over %d samples",
			mean, e.cfg.SustainedDownWindow)
		d.NewPoolSize = st.Size - e.cfg.ScaleStep
		if d.NewPoolSize < st.MinSize {
			d.NewPoolSize = st.MinSize
		}

	default:
		d.Reason = "utilization within thresholds"
		d.Recommendations = e.recommendationsLocked(smp)
	}
	return d
}

// meanLastLocked averages the trailing n samples. ok is false until the
// ring holds at least n samples, which is what keeps one-sample spikes
// from triggering scale decisions.
func (e *Engine) meanLastLocked(n int) (float64, bool) {
	if len(e.samples) < n {
		return 0, false
	}
	sum := 0.0
	for _, s := range e.samples[len(e.samples)-n:] {
		sum += s.Utilization
	}
	return sum / float64(n), true
}

// recommendationsLocked produces advisory notes for decisions that take
// no action.
func (e *Engine) recommendationsLocked(smp Sample) []string {
	var recs []string
	if e.patterns != nil {
		nextHour := (smp.HourOfDay + 1) % 24
		for _, b := range e.patterns.Buckets {
			if b.HourOfDay == nextHour && b.DayOfWeek == smp.DayOfWeek &&
				b.Mean >= e.cfg.ScaleUpThreshold {
				recs = append(recs, fmt.Sprintf(
					"recurring peak expected around %02d:00 (mean %.2f)", nextHour, b.Mean))
				break
			}
		}
	}
	if trend := shortTrend(e.samples); trend > 0.15 {
		recs = append(recs, fmt.Sprintf("utilization trending up (%+.2f over last 10 samples)", trend))
	} else if trend < -0.15 {
		recs = append(recs, fmt.Sprintf("utilization trending down (%+.2f over last 10 samples)", trend))
	}
	return recs
}

func (e *Engine) execute(ctx context.Context, d *Decision) error {
	if err := e.pool.Resize(ctx, d.NewPoolSize); err != nil {
		d.Executed = false
		d.Error = err.Error()
		e.logger.WithFields(logrus.Fields{
			"decision_id": d.ID,
			"action":      d.Action.String(),
			"target":      d.NewPoolSize,
			"error":       err,
		}).Error("failed to apply scaling decision")
		return fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	d.Executed = true
	e.logger.WithFields(logrus.Fields{
		"decision_id": d.ID,
		"action":      d.Action.String(),
		"target":      d.NewPoolSize,
		"confidence":  d.Confidence,
		"reason":      d.Reason,
	}).Info("scaling decision applied")
	return nil
}

// record stores the decision and fans it out to the callback. Only
// decisions that act are kept in history; the steady stream of
// "nothing to do" verdicts would drown it.
func (e *Engine) record(d Decision) {
	e.mu.Lock()
	cp := d
	e.lastDecision = &cp
	if d.Action != ActionNone {
		e.decisions = appendBounded(e.decisions, d, e.cfg.DecisionHistory)
	}
	cb := e.decisionCb
	e.mu.Unlock()

	if cb != nil && d.Action != ActionNone {
		cb(d)
	}
}

// Status summarizes the engine for the status API.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		Samples:        len(e.samples),
		ScaleUpLevel:   e.upLevel,
		ScaleDownLevel: e.downLevel,
		BaselineLoad:   e.baseline,
	}
	if e.lastDecision != nil {
		cp := *e.lastDecision
		s.LastDecision = &cp
	}
	n := len(e.decisions)
	if n > 20 {
		n = 20
	}
	if n > 0 {
		s.RecentDecisions = append([]Decision(nil), e.decisions[len(e.decisions)-n:]...)
	}
	if e.patterns != nil {
		cp := *e.patterns
		s.Patterns = &cp
	}
	return s
}

// History returns up to n past decisions, oldest first. n <= 0 returns
// everything retained.
func (e *Engine) History(n int) []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.decisions) {
		n = len(e.decisions)
	}
	return append([]Decision(nil), e.decisions[len(e.decisions)-n:]...)
}

// appendBounded appends v and drops the oldest entries beyond limit.
func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = append([]T(nil), s[len(s)-limit:]...)
	}
	return s
}
