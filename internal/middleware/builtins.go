package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/meshgate/toolgateway/internal/balancer"
	"github.com/meshgate/toolgateway/internal/health"
	"github.com/meshgate/toolgateway/internal/store"
)

// Per-request state keys the two built-in middleware read and write.
const (
	InstancesKey          = "instances"
	HealthViewKey         = "healthView"
	SelectedInstanceIDKey = "selectedInstanceId"
	SelectedInstanceKey   = "selectedInstance"
	CallStartTimeKey      = "callStartTime"
)

// Per-request metadata key the caller may set to name the template a call
// targets.
const TemplateIDMetaKey = "templateId"

// HealthProbeMetaKey is the per-request metadata key a caller may set to a
// health.Probe that HealthCheckMiddleware uses for this call's refreshes
// instead of the checker's own wired probe, per spec.md §4.5's
// ctx.metadata[HEALTH_PROBE_CTX_KEY].
const HealthProbeMetaKey = "healthProbe"

const (
	defaultHealthViewTTL         = 5 * time.Second
	defaultHealthViewConcurrency = 4
)

// HealthCheckMiddleware refreshes the health view for a template's
// candidate instances in beforeModel, per spec.md §4.5.
type HealthCheckMiddleware struct {
	store       *store.Store
	checker     *health.Checker
	ttl         time.Duration
	concurrency int
}

// NewHealthCheckMiddleware constructs a HealthCheckMiddleware bound to a
// store and checker, with a default 5s freshness window and a concurrency
// cap of 4 refreshes in flight.
func NewHealthCheckMiddleware(st *store.Store, checker *health.Checker) *HealthCheckMiddleware {
	return &HealthCheckMiddleware{
		store:       st,
		checker:     checker,
		ttl:         defaultHealthViewTTL,
		concurrency: defaultHealthViewConcurrency,
	}
}

// WithTTL overrides the freshness window used to decide which candidates
// need a refresh.
func (m *HealthCheckMiddleware) WithTTL(d time.Duration) *HealthCheckMiddleware {
	if d > 0 {
		m.ttl = d
	}
	return m
}

// Hooks implements Middleware.
func (m *HealthCheckMiddleware) Hooks() map[Stage]Hook {
	return map[Stage]Hook{BeforeModel: m.beforeModel}
}

func (m *HealthCheckMiddleware) beforeModel(ctx context.Context, rc *RequestContext, state *State) error {
	instances := m.candidateInstances(rc, state)
	state.Values[InstancesKey] = instances

	probeOverride, _ := rc.Metadata[HealthProbeMetaKey].(health.Probe)

	view := make(map[string]store.HealthStatus, len(instances))
	var mu sync.Mutex
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup

	for _, inst := range instances {
		inst := inst
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ttl := m.ttl
			if inst.Template.HealthCheck != nil && inst.Template.HealthCheck.TTLMs > 0 {
				ttl = time.Duration(inst.Template.HealthCheck.TTLMs) * time.Millisecond
			}
			hs, err := m.checker.CheckHealth(ctx, inst.ID, health.CheckOptions{MaxAgeMs: int(ttl.Milliseconds()), Probe: probeOverride})
			if err != nil {
				return
			}
			mu.Lock()
			view[inst.ID] = hs
			mu.Unlock()
		}()
	}
	wg.Wait()

	state.Values[HealthViewKey] = view
	return nil
}

func (m *HealthCheckMiddleware) candidateInstances(rc *RequestContext, state *State) []store.Instance {
	if v, ok := state.Values[InstancesKey]; ok {
		if instances, ok := v.([]store.Instance); ok {
			return instances
		}
	}
	templateID, _ := rc.Metadata[TemplateIDMetaKey].(string)
	return m.store.ListInstances(templateID)
}

// LoadBalancerMiddleware selects an instance in beforeModel and records its
// call outcome in afterTool, per spec.md §4.4/§4.5.
type LoadBalancerMiddleware struct {
	store    *store.Store
	balancer *balancer.Balancer
	strategy balancer.Strategy
}

// NewLoadBalancerMiddleware constructs a LoadBalancerMiddleware bound to a
// store, balancer, and default strategy.
func NewLoadBalancerMiddleware(st *store.Store, b *balancer.Balancer, strategy balancer.Strategy) *LoadBalancerMiddleware {
	return &LoadBalancerMiddleware{store: st, balancer: b, strategy: strategy}
}

// Hooks implements Middleware.
func (m *LoadBalancerMiddleware) Hooks() map[Stage]Hook {
	return map[Stage]Hook{
		BeforeModel: m.beforeModel,
		AfterTool:   m.afterTool,
	}
}

func (m *LoadBalancerMiddleware) beforeModel(ctx context.Context, rc *RequestContext, state *State) error {
	instances, _ := state.Values[InstancesKey].([]store.Instance)
	healthView, _ := state.Values[HealthViewKey].(map[string]store.HealthStatus)

	templateID, _ := rc.Metadata[TemplateIDMetaKey].(string)
	metrics := m.metricsFor(instances)

	picked := m.balancer.Select(templateID, m.strategy, instances, healthView, metrics)
	if picked == nil {
		return nil
	}
	state.Values[SelectedInstanceIDKey] = picked.ID
	state.Values[SelectedInstanceKey] = *picked
	state.Values[CallStartTimeKey] = time.Now()
	return nil
}

func (m *LoadBalancerMiddleware) metricsFor(instances []store.Instance) map[string]store.LoadBalancerMetrics {
	out := make(map[string]store.LoadBalancerMetrics, len(instances))
	for _, inst := range instances {
		if mm, ok := m.store.GetMetrics(inst.ID); ok {
			out[inst.ID] = mm
		}
	}
	return out
}

// SuccessKey names the per-request value afterTool reads to know whether the
// dispatched call succeeded; callers set state.Values[SuccessKey] before
// afterTool runs.
const SuccessKey = "success"

func (m *LoadBalancerMiddleware) afterTool(ctx context.Context, rc *RequestContext, state *State) error {
	id, ok := state.Values[SelectedInstanceIDKey].(string)
	if !ok {
		return nil
	}
	success, _ := state.Values[SuccessKey].(bool)

	cur, _ := m.store.GetMetrics(id)
	if cur.ServiceID == "" {
		cur.ServiceID = id
	}
	cur.RequestCount++
	if !success {
		cur.ErrorCount++
	}
	cur.LastRequestTime = time.Now()

	if start, ok := state.Values[CallStartTimeKey].(time.Time); ok {
		end := time.Now()
		if !start.IsZero() && !end.Before(start) {
			latencyMs := float64(end.Sub(start).Milliseconds())
			n := float64(cur.RequestCount)
			cur.AvgResponseTime = (cur.AvgResponseTime*(n-1) + latencyMs) / n
		}
	}

	return m.store.UpdateMetrics(id, cur)
}
