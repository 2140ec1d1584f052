package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshgate/toolgateway/internal/balancer"
	"github.com/meshgate/toolgateway/internal/health"
	"github.com/meshgate/toolgateway/internal/jsonrpc"
	"github.com/meshgate/toolgateway/internal/registry"
	"github.com/meshgate/toolgateway/internal/store"
	"github.com/meshgate/toolgateway/pkg/config"
	"github.com/meshgate/toolgateway/pkg/logger"
)

func newTestGateway(t *testing.T) (*registry.Registry, http.Handler) {
	t.Helper()
	st := store.New()
	checker := health.New(st, health.Config{})
	bal := balancer.New()
	cfg := config.Defaults()
	reg := registry.New(st, checker, bal, cfg, nil)

	require.NoError(t, reg.RegisterTemplate(store.Template{
		Name:      "echo",
		Transport: store.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", `while read -r l; do id=$(printf '%s' "$l" | sed -n 's/^.*"id":"\([^"]*\)".*$/\1/p'); printf '{"jsonrpc":"2.0","id":"%s","result":{"ok":true}}\n' "$id"; done`},
		TimeoutMs: 2000,
	}))
	inst, err := reg.CreateInstance("echo", &registry.InstanceOverrides{
		Env: map[string]string{"API_TOKEN": "sk-1234567890abcdef"},
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateHealth(inst.ID, store.HealthStatus{Healthy: true}))

	return reg, newRouter(reg, logger.Discard(), cfg.RequestTimeout)
}

func TestProxyHandler_RejectsInvalidServiceID(t *testing.T) {
	_, handler := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/bad%20id!", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProxyHandler_RejectsMalformedBody(t *testing.T) {
	_, handler := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/echo", bytes.NewReader([]byte(`not json`)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProxyHandler_RoundTrip(t *testing.T) {
	_, handler := newTestGateway(t)

	body, err := json.Marshal(jsonrpc.NewRequest(nil, "ping", nil))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/echo", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
}

func TestProxyHandler_UnknownTemplateReturnsEnvelope(t *testing.T) {
	_, handler := newTestGateway(t)

	body, err := json.Marshal(jsonrpc.NewRequest(nil, "ping", nil))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/missing", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.Equal(t, "NotFound", env.Error.Code)
}

func TestHealthzHandler_ReportsMonitoredCount(t *testing.T) {
	_, handler := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var agg registry.HealthAggregates
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &agg))
	require.Equal(t, 1, agg.Global.Monitoring)
}

func TestListServicesHandler_RedactsSecretEnv(t *testing.T) {
	_, handler := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/templates/echo/services", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var out []redactedInstance
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "sk-1…cdef", out[0].Env["API_TOKEN"])
}

func TestGetServiceHandler_UnknownReturns404(t *testing.T) {
	_, handler := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/services/missing", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	_, handler := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "toolgateway_")
}
