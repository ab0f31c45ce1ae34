package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/app"
	"github.com/pscheid92/pushline/internal/broadcast"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/domain/domaintest"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/platform/config"
	"github.com/pscheid92/pushline/internal/registry"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	srv      *Server
	svc      *app.Service
	registry *registry.Registry
	clock    *clockwork.FakeClock
	metrics  *metrics.Push
	sink     *domaintest.RecordingSink
}

type testOption func(*config.Config, *[]HealthCheck, *domain.AuthValidator)

func withConfig(fn func(*config.Config)) testOption {
	return func(cfg *config.Config, _ *[]HealthCheck, _ *domain.AuthValidator) { fn(cfg) }
}

func withHealthChecks(checks ...HealthCheck) testOption {
	return func(_ *config.Config, hc *[]HealthCheck, _ *domain.AuthValidator) { *hc = checks }
}

func withValidator(v domain.AuthValidator) testOption {
	return func(_ *config.Config, _ *[]HealthCheck, av *domain.AuthValidator) { *av = v }
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:              "test",
		Port:                "0",
		ConnectionTTL:       time.Hour,
		MaxConnections:      100,
		MaxConnectionsPerIP: 50,
		ConnectRate:         100,
		ConnectBurst:        100,
		BroadcastRate:       100,
		BroadcastBurst:      100,
	}
}

func newTestServer(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()

	cfg := testConfig()
	var checks []HealthCheck
	var validator domain.AuthValidator
	for _, opt := range opts {
		opt(cfg, &checks, &validator)
	}

	clock := clockwork.NewFakeClockAt(epoch)
	sink := &domaintest.RecordingSink{}
	m := metrics.NewNop()

	reg := registry.New(clock, sink, m, registry.Options{TTL: cfg.ConnectionTTL})
	sel := broadcast.NewSelector(reg, validator, clock, m)
	disp := broadcast.NewDispatcher(reg, sel, sink, clock, m)
	reaper := app.NewReaper(reg, clock, m, time.Minute, time.Second)
	heartbeat := app.NewHeartbeat(reg, clock, m, 5*time.Second)
	svc := app.NewService(reg, disp, reaper, heartbeat, clock)
	t.Cleanup(svc.Stop)

	return &testEnv{
		srv:      NewServer(cfg, svc, clock, m, nil, checks),
		svc:      svc,
		registry: reg,
		clock:    clock,
		metrics:  m,
		sink:     sink,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(t *testing.T, conn domain.Connection) *registry.Stream {
	t.Helper()
	stream, err := e.svc.RegisterConnection(context.Background(), conn)
	require.NoError(t, err)
	return stream
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer_RoutesRegistered(t *testing.T) {
	env := newTestServer(t)

	routes := map[string]bool{}
	for _, r := range env.srv.echo.Routes() {
		routes[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"GET /sse/connect",
		"GET /ws/connect",
		"POST /sse/broadcast",
		"POST /sse/broadcast/all",
		"GET /sse/status",
		"GET /sse/connections",
		"GET /sse/connections/:id",
		"DELETE /sse/connections/:id",
		"GET /health/live",
		"GET /health/ready",
		"GET /version",
	} {
		require.True(t, routes[want], "missing route %s", want)
	}
	require.False(t, routes["GET /metrics"], "metrics route needs a handler")
}

func TestMetricsRoute(t *testing.T) {
	env := newTestServer(t)
	srv := NewServer(testConfig(), env.svc, env.clock, env.metrics, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pushline_active_connections 0\n"))
	}), nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pushline_active_connections")
}
