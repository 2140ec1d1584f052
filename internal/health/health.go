// Package health implements the Health Checker (C3): active probes and
// passive heartbeats, per-service latency histories, percentile
// aggregation, and a concurrency-bounded periodic sweep over monitored
// instances.
//
// The sweep loop and the "re-probe everything, cap concurrency, never
// stack a second pass" shape are grounded directly on the teacher's
// infrastructure/chain/rpcpool.go healthCheckLoop/checkAllEndpoints
// (time.Ticker plus a sync.WaitGroup fan-out), generalized from an
// unconditional per-endpoint goroutine to a semaphore-bounded worker pool
// so the sweep honors spec.md §4.3's fixed concurrency cap, and from
// blockchain RPC endpoints to arbitrary monitored tool-service instances.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/meshgate/toolgateway/internal/store"
	"github.com/meshgate/toolgateway/pkg/logger"
	"github.com/meshgate/toolgateway/pkg/metrics"
)

// Probe actively measures one instance's health. Implementations typically
// acquire the instance's adapter, connect, send a cheap request, measure
// latency, and disconnect; a probe that returns an error is recorded as
// {healthy:false, error:<msg>}.
type Probe func(ctx context.Context, serviceID string) (store.HealthStatus, error)

// Heartbeat is a passive health report pushed by a caller without
// triggering I/O.
type Heartbeat struct {
	Healthy   bool
	LatencyMs int
	Error     string
}

const (
	defaultInterval    = 5 * time.Second
	defaultConcurrency = 8
	ringCapacity       = 200
	recentCapacity     = 30
)

// Config configures a Checker.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Logger      *logger.Logger
}

// Checker is the Health Checker (C3).
type Checker struct {
	store *store.Store
	log   *logrus.Entry

	interval    time.Duration
	concurrency int
	limiter     *rate.Limiter

	mu        sync.Mutex
	probe     Probe
	monitored map[string]struct{}
	stats     map[string]*instanceStats
	inFlight  map[string]*inflightCheck

	sweepMu  sync.Mutex
	sweeping bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type inflightCheck struct {
	done   chan struct{}
	status store.HealthStatus
}

type instanceStats struct {
	ring       []int
	successes  int
	failures   int
	lastError  string
	lastStatus store.HealthStatus
	hasStatus  bool
}

func (s *instanceStats) record(hs store.HealthStatus) {
	s.lastStatus = hs
	s.hasStatus = true
	if hs.Healthy {
		s.successes++
		s.ring = append(s.ring, hs.LatencyMs)
		if len(s.ring) > ringCapacity {
			s.ring = s.ring[len(s.ring)-ringCapacity:]
		}
	} else {
		s.failures++
		s.lastError = hs.Error
	}
}

func (s *instanceStats) errorRate() float64 {
	total := s.successes + s.failures
	if total == 0 {
		return 0
	}
	return float64(s.failures) / float64(total)
}

func (s *instanceStats) recentLatencies(n int) []int {
	if len(s.ring) <= n {
		out := make([]int, len(s.ring))
		copy(out, s.ring)
		return out
	}
	out := make([]int, n)
	copy(out, s.ring[len(s.ring)-n:])
	return out
}

// New constructs a Checker bound to a store. Call SetProbe before relying on
// active probing; passive heartbeats work immediately.
func New(st *store.Store, cfg Config) *Checker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Checker{
		store:       st,
		log:         log.Component("health"),
		interval:    interval,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(concurrency), concurrency),
		monitored:   make(map[string]struct{}),
		stats:       make(map[string]*instanceStats),
		inFlight:    make(map[string]*inflightCheck),
		stopCh:      make(chan struct{}),
	}
}

// SetProbe wires (or replaces) the active probe function.
func (c *Checker) SetProbe(p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probe = p
}

// Monitor begins including id in the periodic sweep.
func (c *Checker) Monitor(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitored[id] = struct{}{}
	if _, ok := c.stats[id]; !ok {
		c.stats[id] = &instanceStats{}
	}
}

// Unmonitor removes id from the periodic sweep and drops its history.
func (c *Checker) Unmonitor(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.monitored, id)
	delete(c.stats, id)
	delete(c.inFlight, id)
}

// Heartbeat records a passive health report without triggering I/O.
func (c *Checker) Heartbeat(id string, hb Heartbeat) {
	hs := store.HealthStatus{Healthy: hb.Healthy, LatencyMs: hb.LatencyMs, Error: hb.Error, Timestamp: time.Now()}
	c.commit(id, hs)
}

// CheckOptions configures one checkHealth call.
type CheckOptions struct {
	Force    bool
	MaxAgeMs int

	// Probe, when set, is used for this call instead of the Checker's own
	// wired probe (set via SetProbe) — the per-request override spec.md
	// §4.5 names as ctx.metadata[HEALTH_PROBE_CTX_KEY]. It does not replace
	// the Checker's probe for any other call, including concurrent callers
	// this call happens to coalesce onto.
	Probe Probe
}

// CheckHealth returns a cached status if one exists and is younger than
// maxAgeMs unless force is set; maxAgeMs <= 0 always misses the cache.
// Concurrent callers for the same id coalesce onto the same in-flight
// probe and observe the same resulting status.
func (c *Checker) CheckHealth(ctx context.Context, id string, opts CheckOptions) (store.HealthStatus, error) {
	// A zero or negative MaxAgeMs means the cached entry is always stale,
	// matching spec.md's adopted reading of the ttlMs<=0 boundary.
	maxAge := time.Duration(opts.MaxAgeMs) * time.Millisecond

	if !opts.Force && opts.MaxAgeMs > 0 {
		if hs, ok := c.store.GetHealth(id); ok && time.Since(hs.Timestamp) < maxAge {
			return hs, nil
		}
	}

	c.mu.Lock()
	if inf, ok := c.inFlight[id]; ok {
		c.mu.Unlock()
		<-inf.done
		return inf.status, nil
	}
	inf := &inflightCheck{done: make(chan struct{})}
	c.inFlight[id] = inf
	probe := c.probe
	c.mu.Unlock()

	if opts.Probe != nil {
		probe = opts.Probe
	}

	hs, err := c.runProbe(ctx, id, probe)

	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()

	inf.status = hs
	close(inf.done)
	return hs, err
}

func (c *Checker) runProbe(ctx context.Context, id string, probe Probe) (store.HealthStatus, error) {
	if probe == nil {
		hs := store.HealthStatus{Healthy: false, Error: "no probe configured", Timestamp: time.Now()}
		c.commit(id, hs)
		return hs, nil
	}

	hs, err := probe(ctx, id)
	if err != nil {
		hs = store.HealthStatus{Healthy: false, Error: err.Error(), Timestamp: time.Now()}
	} else if hs.Timestamp.IsZero() {
		hs.Timestamp = time.Now()
	}
	metrics.RecordProbe(hs.Healthy)
	c.commit(id, hs)
	return hs, nil
}

func (c *Checker) commit(id string, hs store.HealthStatus) {
	if err := c.store.UpdateHealth(id, hs); err != nil {
		c.log.WithError(err).WithField("instance_id", id).Warn("failed to commit health status")
	}

	c.mu.Lock()
	st, ok := c.stats[id]
	if !ok {
		st = &instanceStats{}
		c.stats[id] = st
	}
	st.record(hs)
	c.mu.Unlock()
}

// Start launches the periodic sweep loop. Call Stop to terminate it.
func (c *Checker) Start() {
	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop terminates the periodic sweep loop and waits for it to exit.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Checker) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep re-probes all monitored ids with a fixed concurrency cap. A sweep
// already in progress is skipped entirely, never stacked, per spec.md §4.3.
func (c *Checker) sweep() {
	c.sweepMu.Lock()
	if c.sweeping {
		c.sweepMu.Unlock()
		return
	}
	c.sweeping = true
	c.sweepMu.Unlock()

	defer func() {
		c.sweepMu.Lock()
		c.sweeping = false
		c.sweepMu.Unlock()
	}()

	c.mu.Lock()
	ids := make([]string, 0, len(c.monitored))
	for id := range c.monitored {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			defer cancel()
			// Throttled independently of the worker-pool cap: bounds how
			// fast new probes start even when the pool has free slots.
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := c.CheckHealth(ctx, id, CheckOptions{Force: true}); err != nil {
				c.log.WithError(err).WithField("instance_id", id).Warn("sweep probe failed")
			}
		}(id)
	}
	wg.Wait()
}

// GlobalAggregate is the cross-instance health summary spec.md §4.3 names.
type GlobalAggregate struct {
	Monitoring  int
	Healthy     int
	Unhealthy   int
	MeanLatency float64
	P95         float64
	P99         float64
	ErrorRate   float64
}

// ServiceAggregate is one instance's health summary.
type ServiceAggregate struct {
	InstanceID      string
	Last            store.HealthStatus
	P95             float64
	P99             float64
	ErrorRate       float64
	LastError       string
	RecentLatencies []int
}

// GlobalStats returns the cross-instance health summary.
func (c *Checker) GlobalStats() GlobalAggregate {
	c.mu.Lock()
	defer c.mu.Unlock()

	var agg GlobalAggregate
	agg.Monitoring = len(c.monitored)

	var allLatencies []int
	var successes, failures int
	for id := range c.monitored {
		st, ok := c.stats[id]
		if !ok {
			continue
		}
		if st.hasStatus && st.lastStatus.Healthy {
			agg.Healthy++
		} else if st.hasStatus {
			agg.Unhealthy++
		}
		successes += st.successes
		failures += st.failures
		allLatencies = append(allLatencies, st.ring...)
	}

	agg.MeanLatency = mean(allLatencies)
	sorted := sortedCopy(allLatencies)
	agg.P95 = percentile(sorted, 0.95)
	agg.P99 = percentile(sorted, 0.99)
	if successes+failures > 0 {
		agg.ErrorRate = float64(failures) / float64(successes+failures)
	}
	return agg
}

// ServiceStats returns one instance's health summary, or ok=false if the
// instance has no recorded history.
func (c *Checker) ServiceStats(id string) (ServiceAggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.stats[id]
	if !ok {
		return ServiceAggregate{}, false
	}
	sorted := sortedCopy(st.ring)
	return ServiceAggregate{
		InstanceID:      id,
		Last:            st.lastStatus,
		P95:             percentile(sorted, 0.95),
		P99:             percentile(sorted, 0.99),
		ErrorRate:       st.errorRate(),
		LastError:       st.lastError,
		RecentLatencies: st.recentLatencies(recentCapacity),
	}, true
}

func mean(samples []int) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples))
}

func sortedCopy(samples []int) []int {
	out := make([]int, len(samples))
	copy(out, samples)
	sort.Ints(out)
	return out
}

// percentile applies spec.md §4.3's rule: on a sorted array of n samples, p
// maps to index max(0, floor(p*n)-1); empty input yields 0.
func percentile(sorted []int, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(p * float64(n))
	idx--
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return float64(sorted[idx])
}
