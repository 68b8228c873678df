package router

import (
	"sync"
	"time"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// circuitState mirrors the teacher's three-state breaker
// (pkg/resilience/circuitbreaker.go), kept provider-private here since
// the router is the only caller.
type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

type circuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// circuitBreaker trips open once consecutive failures against one
// provider reach a threshold, and probes again after a cooldown.
// Adapted from the teacher's CircuitBreaker: the failure signal is now
// xerrors.Kind-based (inference_server/rate_limited trip it; invalid
// credentials or bad requests never should) instead of substring
// sniffing status codes out of error text.
type circuitBreaker struct {
	mu sync.Mutex

	state               circuitState
	failureThreshold    int
	consecutiveFailures int
	cooldown            time.Duration
	lastFailure         time.Time
}

func newCircuitBreaker(cfg circuitBreakerConfig) *circuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &circuitBreaker{failureThreshold: cfg.FailureThreshold, cooldown: cfg.Cooldown}
}

var errCircuitOpen = xerrors.New(xerrors.KindInferenceServer, "circuit breaker open for this provider")

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFailure) > cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return true
	default:
		return false
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	cb.lastFailure = time.Now()
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = stateOpen
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.state = stateClosed
}

// breakerRegistry hands out one breaker per provider name, created lazily.
type breakerRegistry struct {
	mu       sync.Mutex
	cfg      circuitBreakerConfig
	breakers map[string]*circuitBreaker
}

func newBreakerRegistry(cfg circuitBreakerConfig) *breakerRegistry {
	return &breakerRegistry{cfg: cfg, breakers: make(map[string]*circuitBreaker)}
}

func (r *breakerRegistry) get(provider string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[provider]
	if !ok {
		cb = newCircuitBreaker(r.cfg)
		r.breakers[provider] = cb
	}
	return cb
}

// isTrippable reports whether err should count as a circuit-breaker
// failure — upstream server trouble and rate limiting, not invalid
// requests or missing credentials (those are attempt-skip conditions
// handled earlier in the router loop, not upstream flakiness).
func isTrippable(err error) bool {
	return xerrors.IsKind(err, xerrors.KindInferenceServer) || xerrors.IsKind(err, xerrors.KindRateLimited)
}
