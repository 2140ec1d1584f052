package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/meshgate/toolgateway/pkg/gwerrors"
)

// circuitState names one of the three circuit-breaker states, grounded on
// infrastructure/resilience/circuit_breaker.go's State.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

var (
	errCircuitOpen     = gwerrors.New(gwerrors.Upstream, "circuit breaker is open")
	errTooManyRequests = gwerrors.New(gwerrors.Upstream, "too many requests in half-open state")
)

// circuitBreakerConfig mirrors infrastructure/resilience/circuit_breaker.go's
// Config, dropping OnStateChange since nothing in the gateway observes
// transitions outside of logging already done by the caller.
type circuitBreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
	HalfOpenMax int
}

func defaultCircuitBreakerConfig() circuitBreakerConfig {
	return circuitBreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// circuitBreaker trips after MaxFailures consecutive failures, rejecting
// calls for Timeout before probing recovery with up to HalfOpenMax trial
// calls. One instance guards one adapter's upstream.
type circuitBreaker struct {
	mu           sync.Mutex
	cfg          circuitBreakerConfig
	state        circuitState
	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
}

func newCircuitBreaker(cfg circuitBreakerConfig) *circuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &circuitBreaker{cfg: cfg, state: circuitClosed}
}

func (cb *circuitBreaker) execute(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn()
	cb.afterCall(err == nil)
	return err
}

func (cb *circuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.cfg.Timeout {
			cb.setState(circuitHalfOpen)
			cb.halfOpenReqs = 1
			return nil
		}
		return errCircuitOpen
	case circuitHalfOpen:
		if cb.halfOpenReqs >= cb.cfg.HalfOpenMax {
			return errTooManyRequests
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *circuitBreaker) afterCall(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		switch cb.state {
		case circuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenMax {
				cb.setState(circuitClosed)
			}
		case circuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	cb.lastFailure = time.Now()
	switch cb.state {
	case circuitHalfOpen:
		cb.setState(circuitOpen)
	case circuitClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.setState(circuitOpen)
		}
	}
}

func (cb *circuitBreaker) setState(s circuitState) {
	if cb.state == s {
		return
	}
	cb.state = s
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenReqs = 0
}

// retryConfig mirrors infrastructure/resilience/retry.go's RetryConfig.
type retryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// retryConfigFromTemplate derives attempt count from the template's
// declared Retries (MaxAttempts = Retries+1, so Retries==0 means one try).
func retryConfigFromTemplate(retries int) retryConfig {
	if retries < 0 {
		retries = 0
	}
	return retryConfig{
		MaxAttempts:  retries + 1,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// withRetry runs fn up to cfg.MaxAttempts times with exponential backoff,
// stopping early on a non-recoverable gateway error (per gwerrors' kind
// taxonomy) since retrying a BadInput or PolicyViolation can't succeed.
func withRetry(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(jittered(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	var ge *gwerrors.Error
	if errors.As(err, &ge) {
		return ge.Recoverable()
	}
	return true
}

func nextDelay(current time.Duration, cfg retryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
