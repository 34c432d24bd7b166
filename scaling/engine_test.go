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

package scaling

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versity/poolwarden/pool"
)

type fakePool struct {
	mu        sync.Mutex
	st        pool.Stats
	resizeErr error
	resizes   []int
}

func newFakePool(size, min, max int, util float64) *fakePool {
	fp := &fakePool{}
	fp.st = pool.Stats{
		Size:        size,
		MinSize:     min,
		MaxSize:     max,
		Utilization: util,
		InUse:       int(util * float64(size)),
	}
	fp.st.Available = fp.st.Size - fp.st.InUse
	return fp
}

func (f *fakePool) Stats() pool.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakePool) Resize(_ context.Context, target int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resizeErr != nil {
		return f.resizeErr
	}
	f.resizes = append(f.resizes, target)
	f.st.Size = target
	if f.st.Size > 0 {
		f.st.Utilization = float64(f.st.InUse) / float64(f.st.Size)
	}
	return nil
}

func (f *fakePool) setLoad(util float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.Utilization = util
	f.st.InUse = int(util * float64(f.st.Size))
	f.st.Available = f.st.Size - f.st.InUse
}

func (f *fakePool) resizeTargets() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.resizes...)
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEngine(t *testing.T, fp *fakePool) *Engine {
	t.Helper()
	eng, err := NewEngine(nil, fp, discardLogger())
	require.NoError(t, err)
	return eng
}

// seedSamples loads history directly, bypassing evaluation.
func seedSamples(e *Engine, samples ...Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range samples {
		e.samples = appendBounded(e.samples, s, e.cfg.SampleHistory)
	}
}

func flatSamples(n int, util float64) []Sample {
	ts := time.Now().Add(-time.Duration(n) * time.Minute)
	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		t := ts.Add(time.Duration(i) * time.Minute)
		out = append(out, Sample{
			Timestamp:   t,
			Utilization: util,
			HourOfDay:   t.Hour(),
			DayOfWeek:   int(t.Weekday()),
		})
	}
	return out
}

func TestScaleUpRequiresSustainedLoad(t *testing.T) {
	fp := newFakePool(10, 10, 50, 0.9)
	eng := newTestEngine(t, fp)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		d, err := eng.EvaluateNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActionNone, d.Action, "sample %d", i+1)
	}
	assert.Empty(t, fp.resizeTargets())

	d, err := eng.EvaluateNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionScaleUp, d.Action)
	assert.Equal(t, 15, d.NewPoolSize)
	assert.True(t, d.Executed)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, []int{15}, fp.resizeTargets())
}

func TestSingleSpikeDoesNotScale(t *testing.T) {
	fp := newFakePool(10, 10, 50, 0.9)
	eng := newTestEngine(t, fp)
	ctx := context.Background()

	d, err := eng.EvaluateNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)

	fp.setLoad(0.2)
	for i := 0; i < 9; i++ {
		d, err := eng.EvaluateNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActionNone, d.Action)
	}
	assert.Empty(t, fp.resizeTargets())
}

func TestCriticalScalesImmediatelyWithDoubleStep(t *testing.T) {
	fp := newFakePool(10, 5, 50, 0.96)
	eng := newTestEngine(t, fp)

	d, err := eng.EvaluateNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionScaleUpCritical, d.Action)
	assert.Equal(t, 20, d.NewPoolSize)
	assert.InDelta(t, 0.95, d.Confidence, 1e-9)
	assert.True(t, d.Executed)
	assert.Equal(t, []int{20}, fp.resizeTargets())
}

func TestCriticalClampsAtMax(t *testing.T) {
	fp := newFakePool(48, 10, 50, 1.0)
	eng := newTestEngine(t, fp)

	d, err := eng.EvaluateNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionScaleUpCritical, d.Action)
	assert.Equal(t, 50, d.NewPoolSize)
	require.NotEmpty(t, d.Recommendations)
	assert.Contains(t, d.Recommendations[0], "max_connections")
}

func TestScaleDownAfterSustainedIdle(t *testing.T) {
	fp := newFakePool(20, 10, 50, 0.2)
	eng := newTestEngine(t, fp)
	ctx := context.Background()

	for i := 0; i < 19; i++ {
		d, err := eng.EvaluateNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActionNone, d.Action, "sample %d", i+1)
	}

	d, err := eng.EvaluateNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionScaleDown, d.Action)
	assert.Equal(t, 15, d.NewPoolSize)
	assert.InDelta(t, 0.7, d.Confidence, 1e-9)
	assert.Equal(t, []int{15}, fp.resizeTargets())
}

func TestScaleDownStopsAtMinimum(t *testing.T) {
	fp := newFakePool(12, 10, 50, 0.1)
	eng := newTestEngine(t, fp)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := eng.EvaluateNow(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{10}, fp.resizeTargets())

	// At the floor, sustained idle must not shrink further.
	for i := 0; i < 20; i++ {
		d, err := eng.EvaluateNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActionNone, d.Action)
	}
	assert.Equal(t, []int{10}, fp.resizeTargets())
}

func TestExecutionFailureRecorded(t *testing.T) {
	fp := newFakePool(10, 5, 50, 0.96)
	fp.resizeErr = errors.New("backend unavailable")
	eng := newTestEngine(t, fp)

	d, err := eng.EvaluateNow(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Equal(t, ActionScaleUpCritical, d.Action)
	assert.False(t, d.Executed)
	assert.Contains(t, d.Error, "backend unavailable")

	hist := eng.History(0)
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Executed)
}

func TestDecisionCallbackAndStatus(t *testing.T) {
	fp := newFakePool(10, 10, 50, 0.9)
	eng := newTestEngine(t, fp)

	var got []Decision
	eng.SetDecisionCallback(func(d Decision) { got = append(got, d) })

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := eng.EvaluateNow(ctx)
		require.NoError(t, err)
	}

	require.Len(t, got, 1)
	assert.Equal(t, ActionScaleUp, got[0].Action)

	st := eng.Status()
	assert.Equal(t, 10, st.Samples)
	require.NotNil(t, st.LastDecision)
	assert.Equal(t, ActionScaleUp, st.LastDecision.Action)
	require.Len(t, st.RecentDecisions, 1)
	assert.Equal(t, got[0].ID, st.RecentDecisions[0].ID)
	assert.InDelta(t, 0.8, st.ScaleUpLevel, 1e-9)
	assert.InDelta(t, 0.3, st.ScaleDownLevel, 1e-9)
}

func TestAnalyzeAdaptsThresholds(t *testing.T) {
	fp := newFakePool(10, 5, 50, 0.7)
	eng := newTestEngine(t, fp)
	seedSamples(eng, flatSamples(50, 0.7)...)

	sum := eng.AnalyzeNow()
	require.NotNil(t, sum)
	assert.InDelta(t, 0.7, sum.BaselineLoad, 1e-9)
	assert.Equal(t, 50, sum.SampleCount)
	assert.NotEmpty(t, sum.Buckets)

	st := eng.Status()
	assert.InDelta(t, 0.9, st.ScaleUpLevel, 1e-9)
	assert.InDelta(t, 0.4, st.ScaleDownLevel, 1e-9)
	assert.InDelta(t, 0.7, st.BaselineLoad, 1e-9)
}

func TestAnalyzeRestoresThresholdsOnNormalBaseline(t *testing.T) {
	fp := newFakePool(10, 5, 50, 0.4)
	eng := newTestEngine(t, fp)

	seedSamples(eng, flatSamples(50, 0.7)...)
	require.NotNil(t, eng.AnalyzeNow())
	require.InDelta(t, 0.9, eng.Status().ScaleUpLevel, 1e-9)

	seedSamples(eng, flatSamples(950, 0.4)...)
	require.NotNil(t, eng.AnalyzeNow())
	st := eng.Status()
	assert.InDelta(t, 0.8, st.ScaleUpLevel, 1e-9)
	assert.InDelta(t, 0.3, st.ScaleDownLevel, 1e-9)
}

func TestAnalyzeCapsAdaptedThresholdBelowCritical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScaleUpThreshold = 0.88
	eng, err := NewEngine(cfg, newFakePool(10, 5, 50, 0.9), discardLogger())
	require.NoError(t, err)

	seedSamples(eng, flatSamples(50, 0.9)...)
	sum := eng.AnalyzeNow()
	require.NotNil(t, sum)
	assert.NotEmpty(t, sum.PeakWindows)

	// 0.88 + 0.1 would cross critical-0.02; the cap holds it at 0.93.
	assert.InDelta(t, 0.93, eng.Status().ScaleUpLevel, 1e-9)
}

func TestAnalyzeNeedsHistory(t *testing.T) {
	eng := newTestEngine(t, newFakePool(10, 5, 50, 0.5))
	assert.Nil(t, eng.AnalyzeNow())
}

func TestAdaptedThresholdRaisesScaleUpBar(t *testing.T) {
	ctx := context.Background()

	// Without adaptation, ten samples at 0.85 scale the pool up.
	plain := newFakePool(10, 5, 50, 0.85)
	eng := newTestEngine(t, plain)
	for i := 0; i < 10; i++ {
		_, err := eng.EvaluateNow(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, []int{15}, plain.resizeTargets())

	// With a high learned baseline the same load stays below the bar.
	adapted := newFakePool(10, 5, 50, 0.85)
	eng2 := newTestEngine(t, adapted)
	seedSamples(eng2, flatSamples(50, 0.7)...)
	require.NotNil(t, eng2.AnalyzeNow())
	for i := 0; i < 10; i++ {
		d, err := eng2.EvaluateNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActionNone, d.Action)
	}
	assert.Empty(t, adapted.resizeTargets())
}

func forecastBucketSamples(target time.Time, n int, util float64) []Sample {
	out := make([]Sample, 0, n)
	for k := 1; k <= n; k++ {
		out = append(out, Sample{
			Timestamp:   target.Add(-time.Duration(k) * 7 * 24 * time.Hour),
			Utilization: util,
			HourOfDay:   target.Hour(),
			DayOfWeek:   int(target.Weekday()),
		})
	}
	return out
}

func TestPredictivePreScaling(t *testing.T) {
	cfg := DefaultConfig()
	fp := newFakePool(10, 5, 50, 0.5)
	eng, err := NewEngine(cfg, fp, discardLogger())
	require.NoError(t, err)

	target := time.Now().Add(cfg.PredictiveInterval)
	seedSamples(eng, forecastBucketSamples(target, 8, 0.95)...)

	d, err := eng.PredictNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionScaleUp, d.Action)
	assert.Equal(t, 15, d.NewPoolSize)
	assert.True(t, d.Executed)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	assert.Contains(t, d.Reason, "predicted")
	assert.Equal(t, []int{15}, fp.resizeTargets())

	hist := eng.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, d.ID, hist[0].ID)
}

func TestPredictiveRejectsLowConfidence(t *testing.T) {
	cfg := DefaultConfig()
	fp := newFakePool(10, 5, 50, 0.5)
	eng, err := NewEngine(cfg, fp, discardLogger())
	require.NoError(t, err)

	// Three samples forecast high load but carry too little depth.
	target := time.Now().Add(cfg.PredictiveInterval)
	seedSamples(eng, forecastBucketSamples(target, 3, 0.95)...)

	d, err := eng.PredictNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)
	assert.Contains(t, d.Reason, "confidence")
	assert.Empty(t, fp.resizeTargets())
}

func TestPredictiveSkipsWithoutHistory(t *testing.T) {
	eng := newTestEngine(t, newFakePool(10, 5, 50, 0.5))

	d, err := eng.PredictNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)
	assert.Contains(t, d.Reason, "insufficient history")
}

func TestForecastPrefersWeekdayBucket(t *testing.T) {
	var samples []Sample
	for wd := 0; wd < 5; wd++ {
		for i := 0; i < 3; i++ {
			samples = append(samples, Sample{Utilization: 0.5, HourOfDay: 9, DayOfWeek: wd})
		}
	}
	f, ok := forecastFor(samples, 9, 2)
	require.True(t, ok)
	assert.Equal(t, "weekday", f.source)
	assert.Equal(t, 3, f.samples)
}

func TestForecastFallsBackToHourBucket(t *testing.T) {
	var samples []Sample
	for wd := 1; wd <= 4; wd++ {
		samples = append(samples, Sample{Utilization: 0.6, HourOfDay: 9, DayOfWeek: wd})
	}
	f, ok := forecastFor(samples, 9, 5)
	require.True(t, ok)
	assert.Equal(t, "hour", f.source)
	assert.Equal(t, 4, f.samples)
	assert.InDelta(t, 0.6, f.expected, 1e-9)

	_, ok = forecastFor(nil, 9, 5)
	assert.False(t, ok)
}

func TestShortTrend(t *testing.T) {
	var samples []Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, Sample{Utilization: 0.5})
	}
	for i := 0; i < 5; i++ {
		samples = append(samples, Sample{Utilization: 0.7})
	}
	assert.InDelta(t, 0.2, shortTrend(samples), 1e-9)
	assert.Zero(t, shortTrend(samples[:9]))
}

func TestAppendBounded(t *testing.T) {
	var s []int
	for i := 0; i < 7; i++ {
		s = appendBounded(s, i, 5)
	}
	assert.Equal(t, []int{2, 3, 4, 5, 6}, s)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"zero up threshold":      func(c *Config) { c.ScaleUpThreshold = 0 },
		"down above up":          func(c *Config) { c.ScaleDownThreshold = 0.9 },
		"critical below up":      func(c *Config) { c.CriticalThreshold = 0.5 },
		"zero step":              func(c *Config) { c.ScaleStep = 0 },
		"zero window":            func(c *Config) { c.SustainedUpWindow = 0 },
		"zero interval":          func(c *Config) { c.EvaluateInterval = 0 },
		"history below windows":  func(c *Config) { c.SampleHistory = 5 },
		"negative margin":        func(c *Config) { c.PredictiveMargin = -0.1 },
		"confidence out of band": func(c *Config) { c.MinConfidence = 1 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestNewEngineRequiresPool(t *testing.T) {
	_, err := NewEngine(nil, nil, discardLogger())
	assert.Error(t, err)
}
