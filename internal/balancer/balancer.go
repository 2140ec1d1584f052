// Package balancer implements the Load Balancer (C4): given a template's
// candidate instances and a health view, pick exactly one instance per
// call under one of four pluggable strategies.
//
// Round-robin's "fall back to the full candidate list when every candidate
// is unhealthy" behavior, and the general shape of picking one instance
// out of a tracked pool, are grounded on the teacher's
// infrastructure/chain/rpcpool.go GetNextEndpoint (cursor-based round-robin
// with a health-skip-then-fallback branch) and GetBestEndpoint (sort by
// health, then a scoring dimension), generalized from "RPC endpoint" to
// "tool service instance" and from a fixed scoring axis (latency only) to
// the spec's four named strategies.
package balancer

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/meshgate/toolgateway/internal/store"
)

// Strategy names one of the four selection policies.
type Strategy string

const (
	RoundRobin       Strategy = "round-robin"
	LeastConn        Strategy = "least-conn"
	Weighted         Strategy = "weighted"
	PerformanceBased Strategy = "performance-based"
)

// PerformanceCoefficients weights the performance-based strategy's score
// terms; spec.md §4.4 defaults these to (0.5, 0.3, 0.2).
type PerformanceCoefficients struct {
	Latency float64
	Error   float64
	Health  float64
}

// DefaultCoefficients returns spec.md §4.4's default weighting.
func DefaultCoefficients() PerformanceCoefficients {
	return PerformanceCoefficients{Latency: 0.5, Error: 0.3, Health: 0.2}
}

// Balancer selects one instance per call for a template under a configured
// strategy. It holds no reference to the store: callers pass in the
// candidate snapshot and health view for each call, per spec.md §5's
// "Load Balancer only communicates through the Store and per-request
// state" rule.
type Balancer struct {
	mu           sync.Mutex
	cursors      map[string]int
	rng          *rand.Rand
	coefficients PerformanceCoefficients
}

// New constructs a Balancer with the default performance coefficients.
func New() *Balancer {
	return &Balancer{
		cursors:      make(map[string]int),
		rng:          rand.New(rand.NewSource(1)),
		coefficients: DefaultCoefficients(),
	}
}

// WithCoefficients overrides the performance-based strategy's weights.
func (b *Balancer) WithCoefficients(c PerformanceCoefficients) *Balancer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coefficients = c
	return b
}

// Select picks one instance from candidates for templateName under
// strategy, or nil if candidates is empty.
func (b *Balancer) Select(
	templateName string,
	strategy Strategy,
	candidates []store.Instance,
	health map[string]store.HealthStatus,
	metrics map[string]store.LoadBalancerMetrics,
) *store.Instance {
	if len(candidates) == 0 {
		return nil
	}

	switch strategy {
	case LeastConn:
		return selectLeastConn(candidates, metrics)
	case Weighted:
		return b.selectWeighted(candidates)
	case PerformanceBased:
		return b.selectPerformanceBased(candidates, health, metrics)
	default:
		return b.selectRoundRobin(templateName, candidates, health)
	}
}

func healthyOf(candidates []store.Instance, health map[string]store.HealthStatus) []store.Instance {
	healthy := make([]store.Instance, 0, len(candidates))
	for _, c := range candidates {
		if hs, ok := health[c.ID]; ok && hs.Healthy {
			healthy = append(healthy, c)
		}
	}
	return healthy
}

// selectRoundRobin advances a persistent per-template cursor over the
// healthy subset; if every candidate is unhealthy it still picks from the
// full candidate list (graceful degradation) using the same cursor.
func (b *Balancer) selectRoundRobin(templateName string, candidates []store.Instance, health map[string]store.HealthStatus) *store.Instance {
	pool := healthyOf(candidates, health)
	if len(pool) == 0 {
		pool = candidates
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.cursors[templateName] % len(pool)
	b.cursors[templateName] = idx + 1
	picked := pool[idx]
	return &picked
}

// selectLeastConn chooses the candidate with the lowest requestCount,
// breaking ties by ascending id.
func selectLeastConn(candidates []store.Instance, metrics map[string]store.LoadBalancerMetrics) *store.Instance {
	best := candidates[0]
	bestCount := requestCountOf(best.ID, metrics)
	for _, c := range candidates[1:] {
		count := requestCountOf(c.ID, metrics)
		if count < bestCount || (count == bestCount && c.ID < best.ID) {
			best = c
			bestCount = count
		}
	}
	return &best
}

func requestCountOf(id string, metrics map[string]store.LoadBalancerMetrics) int {
	if m, ok := metrics[id]; ok {
		return m.RequestCount
	}
	return 0
}

// selectWeighted picks a candidate with probability proportional to its
// metadata["weight"] (1 when absent or negative). A weight of 0 is never
// picked while any other weight is positive; if every weight is 0 the last
// candidate is returned.
func (b *Balancer) selectWeighted(candidates []store.Instance) *store.Instance {
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := weightOf(c)
		weights[i] = w
		total += w
	}

	b.mu.Lock()
	draw := b.rng.Float64() * total
	b.mu.Unlock()

	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if draw < cumulative {
			picked := candidates[i]
			return &picked
		}
	}
	picked := candidates[len(candidates)-1]
	return &picked
}

func weightOf(inst store.Instance) float64 {
	if inst.Metadata == nil {
		return 1
	}
	switch v := inst.Metadata["weight"].(type) {
	case float64:
		if v >= 0 {
			return v
		}
	case int:
		if v >= 0 {
			return float64(v)
		}
	}
	return 1
}

// selectPerformanceBased scores each candidate as
// w_lat*(1-norm(avgResponseTime)) + w_err*(1-errorRate) + w_health*healthyBit
// and picks the max, ties broken by ascending id.
func (b *Balancer) selectPerformanceBased(candidates []store.Instance, health map[string]store.HealthStatus, metrics map[string]store.LoadBalancerMetrics) *store.Instance {
	b.mu.Lock()
	coeff := b.coefficients
	b.mu.Unlock()

	var maxAvg float64
	for _, c := range candidates {
		if m, ok := metrics[c.ID]; ok && m.AvgResponseTime > maxAvg {
			maxAvg = m.AvgResponseTime
		}
	}

	var best *store.Instance
	var bestScore float64
	for i := range candidates {
		c := candidates[i]
		m := metrics[c.ID]
		norm := 0.0
		if maxAvg > 0 {
			norm = m.AvgResponseTime / maxAvg
		}
		errorRate := 0.0
		if m.RequestCount > 0 {
			errorRate = float64(m.ErrorCount) / float64(m.RequestCount)
		}
		healthyBit := 0.0
		if hs, ok := health[c.ID]; ok && hs.Healthy {
			healthyBit = 1
		}
		score := coeff.Latency*(1-norm) + coeff.Error*(1-errorRate) + coeff.Health*healthyBit

		if best == nil || score > bestScore || (score == bestScore && c.ID < best.ID) {
			inst := c
			best = &inst
			bestScore = score
		}
	}
	return best
}
