package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshgate/toolgateway/internal/balancer"
	"github.com/meshgate/toolgateway/internal/health"
	"github.com/meshgate/toolgateway/internal/store"
)

func TestHealthCheckMiddleware_PopulatesHealthView(t *testing.T) {
	st := store.New()
	require.NoError(t, st.SetInstance(store.Instance{ID: "i1", TemplateName: "echo"}))
	checker := health.New(st, health.Config{})
	checker.SetProbe(func(ctx context.Context, id string) (store.HealthStatus, error) {
		return store.HealthStatus{Healthy: true, LatencyMs: 5}, nil
	})

	mw := NewHealthCheckMiddleware(st, checker)
	state := NewState()
	rc := &RequestContext{Metadata: map[string]any{TemplateIDMetaKey: "echo"}}

	require.NoError(t, mw.beforeModel(context.Background(), rc, state))

	view := state.Values[HealthViewKey].(map[string]store.HealthStatus)
	require.True(t, view["i1"].Healthy)
}

func TestHealthCheckMiddleware_PerRequestProbeOverridesWiredProbe(t *testing.T) {
	st := store.New()
	require.NoError(t, st.SetInstance(store.Instance{ID: "i1", TemplateName: "echo"}))
	checker := health.New(st, health.Config{})
	checker.SetProbe(func(ctx context.Context, id string) (store.HealthStatus, error) {
		return store.HealthStatus{Healthy: true, LatencyMs: 5}, nil
	})

	var overrideCalled bool
	override := health.Probe(func(ctx context.Context, id string) (store.HealthStatus, error) {
		overrideCalled = true
		return store.HealthStatus{Healthy: false, Error: "override"}, nil
	})

	mw := NewHealthCheckMiddleware(st, checker)
	state := NewState()
	rc := &RequestContext{Metadata: map[string]any{
		TemplateIDMetaKey:  "echo",
		HealthProbeMetaKey: override,
	}}

	require.NoError(t, mw.beforeModel(context.Background(), rc, state))

	require.True(t, overrideCalled)
	view := state.Values[HealthViewKey].(map[string]store.HealthStatus)
	require.False(t, view["i1"].Healthy)
	require.Equal(t, "override", view["i1"].Error)
}

func TestHealthCheckMiddleware_PerTemplateTTLOverridesDefault(t *testing.T) {
	st := store.New()
	tmpl := store.Template{HealthCheck: &store.HealthCheckSpec{TTLMs: 1}}
	require.NoError(t, st.SetInstance(store.Instance{ID: "i1", TemplateName: "echo", Template: tmpl}))

	var calls int32
	checker := health.New(st, health.Config{Interval: time.Hour})
	checker.SetProbe(func(ctx context.Context, id string) (store.HealthStatus, error) {
		atomic.AddInt32(&calls, 1)
		return store.HealthStatus{Healthy: true, LatencyMs: 5}, nil
	})

	mw := NewHealthCheckMiddleware(st, checker).WithTTL(time.Hour)
	state := NewState()
	rc := &RequestContext{Metadata: map[string]any{TemplateIDMetaKey: "echo"}}

	// The middleware's own default ttl is an hour, but the template names a
	// 1ms TTL; a second refresh after a short sleep must re-probe rather
	// than serve the first call's cached status.
	require.NoError(t, mw.beforeModel(context.Background(), rc, state))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, mw.beforeModel(context.Background(), rc, state))
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLoadBalancerMiddleware_SelectsAndRecords(t *testing.T) {
	st := store.New()
	require.NoError(t, st.SetInstance(store.Instance{ID: "i1", TemplateName: "echo"}))
	b := balancer.New()
	mw := NewLoadBalancerMiddleware(st, b, balancer.RoundRobin)

	state := NewState()
	state.Values[InstancesKey] = []store.Instance{{ID: "i1", TemplateName: "echo"}}
	state.Values[HealthViewKey] = map[string]store.HealthStatus{"i1": {Healthy: true}}
	rc := &RequestContext{Metadata: map[string]any{TemplateIDMetaKey: "echo"}}

	require.NoError(t, mw.beforeModel(context.Background(), rc, state))
	require.Equal(t, "i1", state.Values[SelectedInstanceIDKey])

	state.Values[SuccessKey] = true
	require.NoError(t, mw.afterTool(context.Background(), rc, state))

	m, ok := st.GetMetrics("i1")
	require.True(t, ok)
	require.Equal(t, 1, m.RequestCount)
	require.Equal(t, 0, m.ErrorCount)
}

func TestLoadBalancerMiddleware_ErrorIncrementsErrorCount(t *testing.T) {
	st := store.New()
	b := balancer.New()
	mw := NewLoadBalancerMiddleware(st, b, balancer.RoundRobin)

	state := NewState()
	state.Values[SelectedInstanceIDKey] = "i1"
	state.Values[SuccessKey] = false
	state.Values[CallStartTimeKey] = time.Now().Add(-10 * time.Millisecond)

	require.NoError(t, mw.afterTool(context.Background(), &RequestContext{}, state))
	m, ok := st.GetMetrics("i1")
	require.True(t, ok)
	require.Equal(t, 1, m.RequestCount)
	require.Equal(t, 1, m.ErrorCount)
	require.Greater(t, m.AvgResponseTime, 0.0)
}

func TestLoadBalancerMiddleware_InvalidTimingSkipsAverage(t *testing.T) {
	st := store.New()
	b := balancer.New()
	mw := NewLoadBalancerMiddleware(st, b, balancer.RoundRobin)

	state := NewState()
	state.Values[SelectedInstanceIDKey] = "i1"
	state.Values[SuccessKey] = true
	state.Values[CallStartTimeKey] = time.Now().Add(time.Hour)

	require.NoError(t, mw.afterTool(context.Background(), &RequestContext{}, state))
	m, ok := st.GetMetrics("i1")
	require.True(t, ok)
	require.Equal(t, 1, m.RequestCount)
	require.Equal(t, 0.0, m.AvgResponseTime)
}

func TestLoadBalancerMiddleware_NoSelectionIsNoop(t *testing.T) {
	st := store.New()
	b := balancer.New()
	mw := NewLoadBalancerMiddleware(st, b, balancer.RoundRobin)

	state := NewState()
	require.NoError(t, mw.afterTool(context.Background(), &RequestContext{}, state))
	require.Equal(t, int64(0), st.Revision())
}
