package automation

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

	"github.com/versity/poolwarden/monitor"
	"github.com/versity/poolwarden/pool"
	"github.com/versity/poolwarden/scaling"
)

type fakeStats struct{ st pool.Stats }

func (f *fakeStats) Stats() pool.Stats { return f.st }

type fakeMonitor struct {
	mu       sync.Mutex
	overall  monitor.Severity
	alerts   int
	pruned   int
	pruneAge time.Duration
	checks   int
}

func (f *fakeMonitor) Check(context.Context) monitor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return monitor.Snapshot{Overall: f.overall, Timestamp: time.Now()}
}

func (f *fakeMonitor) Latest() *monitor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &monitor.Snapshot{
		Overall: f.overall,
		Alerts:  make([]monitor.Alert, f.alerts),
	}
}

func (f *fakeMonitor) PruneAlerts(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneAge = maxAge
	return f.pruned
}

func (f *fakeMonitor) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

type fakeScaler struct {
	mu          sync.Mutex
	evals       int
	analyzes    int
	evalErr     error
	decision    scaling.Decision
	status      scaling.Status
	summary     *scaling.PatternSummary
	analyzeBoom bool
}

func (f *fakeScaler) EvaluateNow(context.Context) (scaling.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	return f.decision, f.evalErr
}

func (f *fakeScaler) AnalyzeNow() *scaling.PatternSummary {
	f.mu.Lock()
	f.analyzes++
	boom := f.analyzeBoom
	f.mu.Unlock()
	if boom {
		panic("pattern analysis exploded")
	}
	return f.summary
}

func (f *fakeScaler) Status() scaling.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeScaler) evalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evals
}

func (f *fakeScaler) analyzeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzes
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestScheduler(t *testing.T, cfg *Config, mon *fakeMonitor, sc *fakeScaler) *Scheduler {
	t.Helper()
	s, err := NewScheduler(cfg, &fakeStats{st: pool.Stats{Size: 10, InUse: 5, Utilization: 0.5}}, mon, sc, discardLogger())
	require.NoError(t, err)
	return s
}

func TestContinuousRoutesCriticalToScaling(t *testing.T) {
	mon := &fakeMonitor{overall: monitor.SeverityHealthy}
	sc := &fakeScaler{}
	s := newTestScheduler(t, nil, mon, sc)
	ctx := context.Background()

	s.tickContinuous(ctx)
	assert.Equal(t, 1, mon.checkCount())
	assert.Zero(t, sc.evalCount(), "healthy pool must not force evaluation")

	mon.mu.Lock()
	mon.overall = monitor.SeverityCritical
	mon.mu.Unlock()

	s.tickContinuous(ctx)
	assert.Equal(t, 1, sc.evalCount())
	assert.Equal(t, int64(2), s.Status().Continuous.Runs)
}

func TestContinuousRecordsEvaluationError(t *testing.T) {
	mon := &fakeMonitor{overall: monitor.SeverityCritical}
	sc := &fakeScaler{evalErr: errors.New("resize refused")}
	s := newTestScheduler(t, nil, mon, sc)

	s.tickContinuous(context.Background())
	st := s.Status().Continuous
	assert.Contains(t, st.LastError, "resize refused")
	assert.False(t, st.LastErrorAt.IsZero())
}

func TestDailyRunsOnceAtConfiguredHour(t *testing.T) {
	mon := &fakeMonitor{pruned: 7}
	sc := &fakeScaler{summary: &scaling.PatternSummary{SampleCount: 42}}
	s := newTestScheduler(t, nil, mon, sc)

	day1 := time.Date(2024, 5, 10, 3, 5, 0, 0, time.UTC)
	s.maybeRunDaily(day1)
	assert.Equal(t, int64(1), s.Status().Daily.Runs)
	assert.Equal(t, 1, sc.analyzeCount())
	assert.Equal(t, 24*time.Hour, mon.pruneAge)

	// Later the same day, still within the maintenance hour.
	s.maybeRunDaily(day1.Add(40 * time.Minute))
	assert.Equal(t, int64(1), s.Status().Daily.Runs)

	// Next day, wrong hour.
	s.maybeRunDaily(time.Date(2024, 5, 11, 2, 59, 0, 0, time.UTC))
	assert.Equal(t, int64(1), s.Status().Daily.Runs)

	// Next day, maintenance hour again.
	s.maybeRunDaily(time.Date(2024, 5, 11, 3, 1, 0, 0, time.UTC))
	assert.Equal(t, int64(2), s.Status().Daily.Runs)
	assert.Equal(t, 2, sc.analyzeCount())
}

func TestRunDailyNowBypassesSchedule(t *testing.T) {
	mon := &fakeMonitor{}
	sc := &fakeScaler{}
	s := newTestScheduler(t, nil, mon, sc)

	s.RunDailyNow()
	assert.Equal(t, int64(1), s.Status().Daily.Runs)

	// The manual run must not consume the scheduled slot.
	s.maybeRunDaily(time.Date(2024, 5, 10, 3, 0, 0, 0, time.UTC))
	assert.Equal(t, int64(2), s.Status().Daily.Runs)
}

func TestLoopRecoversFromPanic(t *testing.T) {
	mon := &fakeMonitor{}
	sc := &fakeScaler{analyzeBoom: true}
	s := newTestScheduler(t, nil, mon, sc)

	s.RunDailyNow()

	st := s.Status().Daily
	assert.Equal(t, int64(1), st.Panics)
	assert.Contains(t, st.LastError, "panic")
}

func TestReport(t *testing.T) {
	mon := &fakeMonitor{overall: monitor.SeverityWarning, alerts: 3}
	sc := &fakeScaler{status: scaling.Status{
		Samples:         120,
		RecentDecisions: []scaling.Decision{{Action: scaling.ActionScaleUp}},
		LastDecision:    &scaling.Decision{Action: scaling.ActionScaleUp},
	}}
	s := newTestScheduler(t, nil, mon, sc)

	r := s.Report()
	assert.Equal(t, 10, r.Pool.Size)
	assert.Equal(t, monitor.SeverityWarning, r.Health)
	assert.Equal(t, 3, r.ActiveAlerts)
	assert.Equal(t, 120, r.Samples)
	assert.Equal(t, 1, r.RecentActions)
	require.NotNil(t, r.LastDecision)
	assert.Equal(t, scaling.ActionScaleUp, r.LastDecision.Action)
}

func TestRunLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContinuousInterval = 10 * time.Millisecond
	cfg.ReportInterval = 10 * time.Millisecond

	mon := &fakeMonitor{overall: monitor.SeverityHealthy}
	sc := &fakeScaler{}
	s := newTestScheduler(t, cfg, mon, sc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().Running }, time.Second, 5*time.Millisecond)

	// A second Run on a live scheduler must refuse.
	assert.Error(t, s.Run(ctx))

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Continuous.Runs >= 2 && st.Hourly.Runs >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Status().Running)
}

func TestSchedulerConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"zero continuous": func(c *Config) { c.ContinuousInterval = 0 },
		"zero report":     func(c *Config) { c.ReportInterval = 0 },
		"hour too large":  func(c *Config) { c.DailyHour = 24 },
		"negative hour":   func(c *Config) { c.DailyHour = -1 },
		"zero retention":  func(c *Config) { c.AlertRetention = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestNewSchedulerRequiresComponents(t *testing.T) {
	_, err := NewScheduler(nil, nil, &fakeMonitor{}, &fakeScaler{}, discardLogger())
	assert.Error(t, err)
	_, err = NewScheduler(nil, &fakeStats{}, nil, &fakeScaler{}, discardLogger())
	assert.Error(t, err)
	_, err = NewScheduler(nil, &fakeStats{}, &fakeMonitor{}, nil, discardLogger())
	assert.Error(t, err)
}
