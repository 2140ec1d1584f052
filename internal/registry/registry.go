// Package registry implements the Service Registry (C6): the high-level
// façade that composes the Observation Store, Transport Adapters, Health
// Checker, Load Balancer, and Middleware Pipeline into register/create/
// remove/select/scale/dispatch operations.
//
// The "own one adapter per tracked resource, build it lazily, release it on
// removal" shape is grounded on the teacher's infrastructure/chain/rpcpool.go
// RPCPool (one *rpc.Client per endpoint, built on first use); the
// register-then-aggregate shape of getHealthAggregates is grounded on
// infrastructure/service/healthcheck.go's DeepHealthChecker.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshgate/toolgateway/internal/balancer"
	"github.com/meshgate/toolgateway/internal/health"
	"github.com/meshgate/toolgateway/internal/jsonrpc"
	"github.com/meshgate/toolgateway/internal/middleware"
	"github.com/meshgate/toolgateway/internal/store"
	"github.com/meshgate/toolgateway/internal/transport"
	"github.com/meshgate/toolgateway/pkg/config"
	"github.com/meshgate/toolgateway/pkg/gwerrors"
	"github.com/meshgate/toolgateway/pkg/logger"
	"github.com/meshgate/toolgateway/pkg/metrics"
)

// InstanceOverrides partially overrides a template's copy when creating an
// instance; nil/zero fields leave the template's value unchanged.
type InstanceOverrides struct {
	Env              map[string]string
	Args             []string
	WorkingDirectory string
	Metadata         map[string]any

	// InstanceMode, when set to "managed", opts the instance out of the
	// automatic health-checker monitoring createInstance otherwise starts.
	InstanceMode string
}

const managedInstanceMode = "managed"

// HealthAggregates is the { global, perService[] } shape getHealthAggregates
// returns, per spec.md §4.3.
type HealthAggregates struct {
	Global     health.GlobalAggregate
	PerService []health.ServiceAggregate
}

// Registry is the Service Registry (C6).
type Registry struct {
	store    *store.Store
	checker  *health.Checker
	balancer *balancer.Balancer
	pipeline *middleware.Pipeline
	cfg      config.Config
	baseLog  *logger.Logger
	log      *logrus.Entry

	strategyMu sync.Mutex
	strategy   balancer.Strategy

	adaptersMu sync.Mutex
	adapters   map[string]transport.Adapter
	watchDone  map[string]chan struct{}

	stopMu   sync.Mutex
	stopping map[string]bool
}

// New constructs a Registry wiring the health-check and load-balancer
// middleware into a fresh pipeline, and registers its own dispatch hook at
// beforeTool.
func New(st *store.Store, checker *health.Checker, bal *balancer.Balancer, cfg config.Config, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	r := &Registry{
		store:     st,
		checker:   checker,
		balancer:  bal,
		cfg:       cfg,
		baseLog:   log,
		log:       log.Component("registry"),
		strategy:  balancer.Strategy(cfg.LoadBalancingStrategy),
		adapters:  make(map[string]transport.Adapter),
		watchDone: make(map[string]chan struct{}),
		stopping:  make(map[string]bool),
	}

	stageTimeout := cfg.RequestTimeout
	r.pipeline = middleware.New().
		WithStageTimeout(stageTimeout).
		Use(middleware.NewHealthCheckMiddleware(st, checker)).
		Use(middleware.NewLoadBalancerMiddleware(st, bal, r.strategy)).
		UseStage(middleware.BeforeTool, r.dispatchHook)

	return r
}

// RegisterTemplate validates t and atomically upserts it, per spec.md §4.6.
func (r *Registry) RegisterTemplate(t store.Template) error {
	if err := r.store.ValidateTemplate(t); err != nil {
		return err
	}
	return r.store.SetTemplate(t)
}

// RemoveTemplate removes a template by name; existing instances are
// unaffected (they keep their own config copy).
func (r *Registry) RemoveTemplate(name string) error {
	return r.store.RemoveTemplate(name)
}

// CreateInstance copies templateName's current config, applies overrides,
// assigns a fresh id, and atomically sets the instance row plus a zero
// metrics row in one transaction. Monitoring starts immediately unless
// overrides.InstanceMode is "managed".
func (r *Registry) CreateInstance(templateName string, overrides *InstanceOverrides) (store.Instance, error) {
	tmpl, ok := r.store.GetTemplate(templateName)
	if !ok {
		return store.Instance{}, gwerrors.New(gwerrors.NotFound, fmt.Sprintf("template %q not found", templateName))
	}

	if max := r.cfg.MaxConcurrentServices; max > 0 && r.countRunningInstances() >= max {
		return store.Instance{}, gwerrors.New(gwerrors.PolicyViolation, fmt.Sprintf("maxConcurrentServices limit of %d reached", max))
	}

	inst := buildInstance(tmpl, overrides, r.cfg.RequestTimeout)
	inst.ID = newInstanceID(templateName)
	inst.State = store.StateIdle
	inst.StartedAt = time.Now()

	err := r.store.AtomicUpdate(func(tx *store.Tx) error {
		if err := tx.SetInstance(inst); err != nil {
			return err
		}
		return tx.UpdateMetrics(inst.ID, store.LoadBalancerMetrics{ServiceID: inst.ID})
	})
	if err != nil {
		return store.Instance{}, err
	}

	if overrides == nil || overrides.InstanceMode != managedInstanceMode {
		r.checker.Monitor(inst.ID)
	}
	return inst, nil
}

// countRunningInstances counts instances whose state still occupies a
// maxConcurrentServices slot, per spec.md §6 — a stopped, crashed, or
// errored instance has released its resources and no longer counts against
// the limit even though its row survives until removeInstance.
func (r *Registry) countRunningInstances() int {
	n := 0
	for _, inst := range r.store.ListInstances("") {
		switch inst.State {
		case store.StateStopped, store.StateCrashed, store.StateError:
		default:
			n++
		}
	}
	return n
}

// buildInstance copies tmpl, applies overrides, and falls back to
// defaultTimeout (the configured requestTimeout) when the template omits
// timeoutMs, per spec.md §6's configuration table.
func buildInstance(tmpl store.Template, overrides *InstanceOverrides, defaultTimeout time.Duration) store.Instance {
	t := tmpl.Clone()
	meta := make(map[string]any)

	if t.TimeoutMs <= 0 && defaultTimeout > 0 {
		t.TimeoutMs = int(defaultTimeout / time.Millisecond)
	}

	if overrides != nil {
		if overrides.Env != nil {
			if t.Env == nil {
				t.Env = make(map[string]string, len(overrides.Env))
			}
			for k, v := range overrides.Env {
				t.Env[k] = v
			}
		}
		if overrides.Args != nil {
			t.Args = append([]string(nil), overrides.Args...)
		}
		if overrides.WorkingDirectory != "" {
			t.WorkingDirectory = overrides.WorkingDirectory
		}
		for k, v := range overrides.Metadata {
			meta[k] = v
		}
	}

	return store.Instance{
		TemplateName: tmpl.Name,
		Template:     t,
		Metadata:     meta,
	}
}

// newInstanceID builds "<template-name>-<epoch-ms>-<rand6>", per spec.md
// §3's Instance identity rule; the random suffix reuses jsonrpc's id
// alphabet rather than duplicating it.
func newInstanceID(templateName string) string {
	return fmt.Sprintf("%s-%d-%s", templateName, time.Now().UnixMilli(), jsonrpc.RandomSuffix(6))
}

// RemoveInstance stops monitoring, releases the cached adapter, and removes
// the instance (cascading to its health and metrics rows). Idempotent.
func (r *Registry) RemoveInstance(id string) error {
	r.checker.Unmonitor(id)
	r.releaseAdapter(id)
	return r.store.RemoveInstance(id)
}

// ListServices returns a snapshot of instances, optionally filtered to one
// template. Secret redaction is the HTTP façade's responsibility, not this
// layer's, per spec.md §4.6.
func (r *Registry) ListServices(templateName string) []store.Instance {
	return r.store.ListInstances(templateName)
}

// GetService returns one instance by id.
func (r *Registry) GetService(id string) (store.Instance, bool) {
	return r.store.GetInstance(id)
}

// SelectInstance filters templateName's instances to the healthy subset
// (falling back to the full candidate list if none are healthy), then
// delegates to the balancer under strategy (or the registry's configured
// default). Returns nil, nil if the template has no instances at all.
func (r *Registry) SelectInstance(templateName string, strategy *balancer.Strategy) (*store.Instance, error) {
	if _, ok := r.store.GetTemplate(templateName); !ok {
		return nil, gwerrors.New(gwerrors.NotFound, fmt.Sprintf("template %q not found", templateName))
	}

	candidates := r.store.ListInstances(templateName)
	if len(candidates) == 0 {
		return nil, nil
	}

	healthView := make(map[string]store.HealthStatus, len(candidates))
	metricsView := make(map[string]store.LoadBalancerMetrics, len(candidates))
	for _, inst := range candidates {
		if hs, ok := r.store.GetHealth(inst.ID); ok {
			healthView[inst.ID] = hs
		}
		if m, ok := r.store.GetMetrics(inst.ID); ok {
			metricsView[inst.ID] = m
		}
	}

	st := r.currentStrategy()
	if strategy != nil {
		st = *strategy
	}
	return r.balancer.Select(templateName, st, healthyCandidates(candidates, healthView), healthView, metricsView), nil
}

func healthyCandidates(candidates []store.Instance, healthView map[string]store.HealthStatus) []store.Instance {
	healthy := make([]store.Instance, 0, len(candidates))
	for _, inst := range candidates {
		if hs, ok := healthView[inst.ID]; ok && hs.Healthy {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return candidates
	}
	return healthy
}

func (r *Registry) currentStrategy() balancer.Strategy {
	r.strategyMu.Lock()
	defer r.strategyMu.Unlock()
	return r.strategy
}

// ScaleTemplate converges templateName's instance count toward n by
// creating or removing instances, and returns the survivor set.
func (r *Registry) ScaleTemplate(templateName string, n int) ([]store.Instance, error) {
	if n < 0 {
		n = 0
	}
	current := r.store.ListInstances(templateName)

	switch {
	case len(current) < n:
		for i := len(current); i < n; i++ {
			if _, err := r.CreateInstance(templateName, nil); err != nil {
				return r.store.ListInstances(templateName), err
			}
		}
	case len(current) > n:
		for _, inst := range current[n:] {
			if err := r.RemoveInstance(inst.ID); err != nil {
				return r.store.ListInstances(templateName), err
			}
		}
	}
	return r.store.ListInstances(templateName), nil
}

// GetHealthAggregates returns the cross-instance summary plus one entry per
// instance with recorded history, per spec.md §4.3.
func (r *Registry) GetHealthAggregates() HealthAggregates {
	instances := r.store.ListInstances("")
	perService := make([]health.ServiceAggregate, 0, len(instances))
	for _, inst := range instances {
		if agg, ok := r.checker.ServiceStats(inst.ID); ok {
			perService = append(perService, agg)
		}
	}
	return HealthAggregates{
		Global:     r.checker.GlobalStats(),
		PerService: perService,
	}
}

// SetHealthProbe wires (or replaces) the checker's active probe.
func (r *Registry) SetHealthProbe(p health.Probe) {
	r.checker.SetProbe(p)
}

// adapterFor returns the cached adapter for inst, building one on first
// demand per spec.md §3's "Registry owns one adapter per instance id"
// ownership rule.
func (r *Registry) adapterFor(inst store.Instance) (transport.Adapter, error) {
	r.adaptersMu.Lock()
	defer r.adaptersMu.Unlock()

	if a, ok := r.adapters[inst.ID]; ok {
		return a, nil
	}
	a, err := r.buildAdapter(inst.Template)
	if err != nil {
		return nil, err
	}
	r.adapters[inst.ID] = a

	done := make(chan struct{})
	r.watchDone[inst.ID] = done
	go r.watchAdapterEvents(inst.ID, a, done)

	return a, nil
}

// watchAdapterEvents drives Instance.State per the adapter state machine of
// spec.md §4.2: a disconnect event not initiated by releaseAdapter/Shutdown
// that carries a nonzero exit code or a signal moves the instance to crashed
// (bumping errorCount); any other disconnect moves it to stopped. Exits when
// done is closed.
func (r *Registry) watchAdapterEvents(id string, a transport.Adapter, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				return
			}
			r.handleAdapterEvent(id, ev)
		case <-done:
			return
		}
	}
}

func (r *Registry) handleAdapterEvent(id string, ev transport.Event) {
	if ev.Type != transport.EventDisconnect {
		return
	}
	info, _ := ev.Data.(transport.DisconnectInfo)
	deliberate := r.consumeStopping(id)
	crashed := !deliberate && (info.Code != 0 || info.Signal != "")

	inst, ok := r.store.GetInstance(id)
	if !ok {
		return
	}
	newState := store.StateStopped
	errCount := inst.ErrorCount
	if crashed {
		newState = store.StateCrashed
		errCount++
	}
	if err := r.store.PatchInstance(id, store.InstancePatch{State: &newState, ErrorCount: &errCount}); err != nil {
		r.log.WithError(err).WithField("instance_id", id).Warn("failed to patch instance state on disconnect")
	}
}

func (r *Registry) markStopping(id string) {
	r.stopMu.Lock()
	r.stopping[id] = true
	r.stopMu.Unlock()
}

// consumeStopping reports and clears whether id's current disconnect was
// initiated by releaseAdapter/Shutdown rather than a spontaneous process
// exit.
func (r *Registry) consumeStopping(id string) bool {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stopping[id] {
		delete(r.stopping, id)
		return true
	}
	return false
}

func (r *Registry) buildAdapter(t store.Template) (transport.Adapter, error) {
	switch t.Transport {
	case store.TransportHTTP, store.TransportStreamableHTTP:
		return transport.NewHTTPAdapter(t, r.baseLog), nil
	case store.TransportStdio:
		if r.cfg.ForceContainer(t.Trusted) || sandboxRequiresContainer(t) {
			return transport.NewContainerAdapter(t, r.baseLog)
		}
		return transport.NewStdioAdapter(t, r.baseLog), nil
	default:
		return nil, gwerrors.New(gwerrors.BadInput, fmt.Sprintf("unsupported transport %q", t.Transport))
	}
}

func sandboxRequiresContainer(t store.Template) bool {
	return t.Sandbox != nil && t.Sandbox.RequiredForUntrusted && !t.Trusted
}

func (r *Registry) releaseAdapter(id string) {
	r.markStopping(id)

	r.adaptersMu.Lock()
	a, ok := r.adapters[id]
	delete(r.adapters, id)
	if done, ok2 := r.watchDone[id]; ok2 {
		close(done)
		delete(r.watchDone, id)
	}
	r.adaptersMu.Unlock()

	if ok {
		_ = a.Disconnect()
	}
}

// Shutdown stops monitoring every instance and disconnects every cached
// adapter, so a process exit doesn't leave child processes or open
// connections behind. The health checker's own sweep loop is stopped by the
// caller (it outlives any single Registry in tests), not here.
func (r *Registry) Shutdown() {
	for _, inst := range r.store.ListInstances("") {
		r.checker.Unmonitor(inst.ID)
	}

	r.adaptersMu.Lock()
	adapters := make(map[string]transport.Adapter, len(r.adapters))
	for id, a := range r.adapters {
		r.markStopping(id)
		adapters[id] = a
		delete(r.adapters, id)
	}
	for id, done := range r.watchDone {
		close(done)
		delete(r.watchDone, id)
	}
	r.adaptersMu.Unlock()

	for id, a := range adapters {
		if err := a.Disconnect(); err != nil {
			r.log.WithError(err).Warn("failed to disconnect adapter during shutdown")
		}
	}
}

// dispatchStateKey is the state.Values key the dispatch hook writes its
// response frame under; SendMessage reads it back after Execute returns.
const dispatchStateKey = "dispatchResponse"

// dispatchErrorKey carries a dispatch failure through to the caller without
// aborting the pipeline, so afterTool still runs and records the failed
// call's metrics.
const dispatchErrorKey = "dispatchError"

// SendMessage is the core behind the HTTP proxy endpoint (spec.md §6):
// selects an instance for templateName, runs the six-stage middleware
// pipeline around the real adapter call, and returns the back end's
// response frame.
func (r *Registry) SendMessage(ctx context.Context, templateName string, req jsonrpc.Request) (jsonrpc.Response, error) {
	if _, ok := r.store.GetTemplate(templateName); !ok {
		return jsonrpc.Response{}, gwerrors.New(gwerrors.NotFound, fmt.Sprintf("template %q not found", templateName))
	}

	rc := &middleware.RequestContext{
		RequestID: jsonrpc.NewID(),
		StartTime: time.Now(),
		Metadata:  map[string]any{middleware.TemplateIDMetaKey: templateName},
	}
	if done := ctx.Done(); done != nil {
		rc.CancelSignal = done
	}

	state := middleware.NewState()
	state.Values["request"] = req

	if err := r.pipeline.Execute(ctx, rc, state); err != nil {
		return jsonrpc.Response{}, err
	}

	if err, ok := state.Values[dispatchErrorKey].(error); ok && err != nil {
		return jsonrpc.Response{}, err
	}
	if resp, ok := state.Values[dispatchStateKey].(jsonrpc.Response); ok {
		return resp, nil
	}
	return jsonrpc.Response{}, gwerrors.New(gwerrors.NotReady, fmt.Sprintf("no healthy instance available for template %q", templateName))
}

// dispatchHook is the registry's own beforeTool hook: it performs the
// actual network call against the instance LoadBalancerMiddleware selected
// in beforeModel. Failures are recorded in state.Values rather than
// returned, so the pipeline continues into afterTool and records the
// call's outcome before SendMessage surfaces the error to its caller.
func (r *Registry) dispatchHook(ctx context.Context, rc *middleware.RequestContext, state *middleware.State) error {
	inst, ok := state.Values[middleware.SelectedInstanceKey].(store.Instance)
	if !ok {
		state.Values[dispatchErrorKey] = gwerrors.New(gwerrors.NotReady, "no instance selected for dispatch")
		return nil
	}

	req, _ := state.Values["request"].(jsonrpc.Request)

	adapter, err := r.adapterFor(inst)
	if err != nil {
		state.Values[dispatchErrorKey] = err
		return nil
	}

	if !adapter.IsConnected() {
		initializing := store.StateInitializing
		_ = r.store.PatchInstance(inst.ID, store.InstancePatch{State: &initializing})

		if err := adapter.Connect(ctx); err != nil {
			errored := store.StateError
			_ = r.store.PatchInstance(inst.ID, store.InstancePatch{State: &errored})
			state.Values[dispatchErrorKey] = err
			return nil
		}

		running := store.StateRunning
		_ = r.store.PatchInstance(inst.ID, store.InstancePatch{State: &running})
	}

	templateName, _ := rc.Metadata[middleware.TemplateIDMetaKey].(string)
	resp, err := adapter.SendAndReceive(ctx, req)
	state.Values[middleware.SuccessKey] = err == nil
	metrics.RecordDispatch(templateName, err == nil, time.Since(rc.StartTime).Seconds())
	if err != nil {
		state.Values[dispatchErrorKey] = err
		return nil
	}
	state.Values[dispatchStateKey] = resp
	return nil
}
