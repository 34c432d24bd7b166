package statusapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versity/poolwarden/automation"
	"github.com/versity/poolwarden/breaker"
	"github.com/versity/poolwarden/monitor"
	"github.com/versity/poolwarden/pool"
	"github.com/versity/poolwarden/scaling"
)

type fakePool struct{ st pool.Stats }

func (f *fakePool) Stats() pool.Stats { return f.st }

type fakeMonitor struct {
	snap   *monitor.Snapshot
	alerts []monitor.Alert
}

func (f *fakeMonitor) Latest() *monitor.Snapshot     { return f.snap }
func (f *fakeMonitor) AlertHistory() []monitor.Alert { return f.alerts }

type fakeScaler struct {
	status  scaling.Status
	history []scaling.Decision
}

func (f *fakeScaler) Status() scaling.Status { return f.status }

func (f *fakeScaler) History(n int) []scaling.Decision {
	if n > 0 && n < len(f.history) {
		return f.history[len(f.history)-n:]
	}
	return f.history
}

type fakeBreakers struct{ stats map[string]breaker.Stats }

func (f *fakeBreakers) Stats() map[string]breaker.Stats { return f.stats }

type fakeSched struct {
	status automation.Status
	report automation.Report
}

func (f *fakeSched) Status() automation.Status { return f.status }
func (f *fakeSched) Report() automation.Report { return f.report }

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T, cfg *Config, mon *fakeMonitor) *Server {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if mon == nil {
		mon = &fakeMonitor{snap: &monitor.Snapshot{Overall: monitor.SeverityHealthy}}
	}
	s, err := NewServer(cfg,
		&fakePool{st: pool.Stats{Size: 12, InUse: 4, Utilization: 4.0 / 12.0}},
		mon,
		&fakeScaler{
			status: scaling.Status{ScaleUpLevel: 0.8, ScaleDownLevel: 0.3},
			history: []scaling.Decision{
				{ID: "01HV0000000000000000000001", Action: scaling.ActionScaleUp},
				{ID: "01HV0000000000000000000002", Action: scaling.ActionScaleDown},
				{ID: "01HV0000000000000000000003", Action: scaling.ActionScaleUp},
			},
		},
		&fakeBreakers{stats: map[string]breaker.Stats{
			"postgres": {Name: "postgres", State: breaker.StateOpen},
		}},
		&fakeSched{},
		discardLogger())
	require.NoError(t, err)
	return s
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthReflectsSnapshot(t *testing.T) {
	s := newTestServer(t, nil, &fakeMonitor{snap: &monitor.Snapshot{
		Overall:   monitor.SeverityWarning,
		Timestamp: time.Now(),
	}})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Overall string `json:"overall"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "warning", body.Overall)
}

func TestHealthCriticalAnswers503(t *testing.T) {
	s := newTestServer(t, nil, &fakeMonitor{snap: &monitor.Snapshot{
		Overall: monitor.SeverityCritical,
	}})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthBeforeFirstCheck(t *testing.T) {
	s := newTestServer(t, nil, &fakeMonitor{})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "starting", body["status"])
}

func TestPoolStatsRoute(t *testing.T) {
	s := newTestServer(t, nil, nil)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/status/pool", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st pool.Stats
	decodeBody(t, resp, &st)
	assert.Equal(t, 12, st.Size)
	assert.Equal(t, 4, st.InUse)
}

func TestScalingHistoryLimit(t *testing.T) {
	s := newTestServer(t, nil, nil)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/status/scaling/history?limit=2", nil))
	require.NoError(t, err)

	var body struct {
		Decisions []scaling.Decision `json:"decisions"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Decisions, 2)
	assert.Equal(t, "01HV0000000000000000000002", body.Decisions[0].ID)
}

func TestBreakersRoute(t *testing.T) {
	s := newTestServer(t, nil, nil)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/status/breakers", nil))
	require.NoError(t, err)

	var body map[string]breaker.Stats
	decodeBody(t, resp, &body)
	require.Contains(t, body, "postgres")
	assert.Equal(t, breaker.StateOpen, body["postgres"].State)
}

func TestMissingSourceAnswers503(t *testing.T) {
	s, err := NewServer(nil, nil, nil, nil, nil, nil, discardLogger())
	require.NoError(t, err)

	for _, path := range []string{
		"/health", "/status/pool", "/status/scaling",
		"/status/scaling/history", "/status/alerts",
		"/status/breakers", "/status/scheduler",
	} {
		resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}

func signToken(t *testing.T, secret string, method jwt.SigningMethod) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthGuardsStatusRoutes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTSecret = "warden-secret"
	s := newTestServer(t, cfg, nil)

	// No token.
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/status/pool", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Malformed header.
	req := httptest.NewRequest(http.MethodGet, "/status/pool", nil)
	req.Header.Set("Authorization", "Token abc")
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong secret.
	req = httptest.NewRequest(http.MethodGet, "/status/pool", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", jwt.SigningMethodHS256))
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token.
	req = httptest.NewRequest(http.MethodGet, "/status/pool", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, cfg.JWTSecret, jwt.SigningMethodHS256))
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthStaysOpenWithAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTSecret = "warden-secret"
	s := newTestServer(t, cfg, nil)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Address = ":9090"
	require.NoError(t, cfg.Validate())

	cfg.ReadTimeout = 0
	assert.Error(t, cfg.Validate())
}
