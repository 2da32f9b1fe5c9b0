// Package delivery implements the delivery engine (C9): batch dequeue,
// concurrency-limited fan-out, verification, signing, HTTP delivery,
// retries/backoff, and per-hostname circuit breaking.
package delivery

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// Circuit breaker defaults (spec.md §4.6).
const (
	defaultThreshold     = 5
	defaultBreakDuration = 5 * time.Minute
	defaultWindow        = 1 * time.Minute
)

// ErrCircuitOpen is returned by BreakerRegistry.Execute when the circuit for a
// host is currently open.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerRegistry holds one gobreaker.CircuitBreaker per destination
// hostname, the engine's only intra-worker mutable shared state, accessed
// exclusively under a mutex (spec.md §5).
type BreakerRegistry struct {
	mu         sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
	threshold  uint32
	breakFor   time.Duration
	window     time.Duration
	stateGauge *prometheus.GaugeVec
}

// BreakerConfig tunes threshold/duration/window per spec.md §6's
// WEBHOOK_CIRCUIT_BREAK_{THRESHOLD,DURATION,WINDOW} environment knobs.
type BreakerConfig struct {
	Threshold uint32
	Duration  time.Duration
	Window    time.Duration
}

// NewBreakerRegistry creates a BreakerRegistry. stateGauge may be nil.
func NewBreakerRegistry(cfg BreakerConfig, stateGauge *prometheus.GaugeVec) *BreakerRegistry {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = defaultBreakDuration
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	return &BreakerRegistry{
		breakers:   map[string]*gobreaker.CircuitBreaker{},
		threshold:  threshold,
		breakFor:   duration,
		window:     window,
		stateGauge: stateGauge,
	}
}

// forHost returns (creating if absent) the breaker for host.
func (r *BreakerRegistry) forHost(host string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[host]; ok {
		return b
	}

	onStateChange := func(name string, from, to gobreaker.State) {
		if r.stateGauge == nil {
			return
		}
		r.stateGauge.WithLabelValues(name).Set(stateValue(to))
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    r.window,
		Timeout:     r.breakFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
		OnStateChange: onStateChange,
	})
	r.breakers[host] = b
	return b
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Execute runs fn through host's circuit breaker. A failure is any
// non-nil error fn returns, which gobreaker counts toward ReadyToTrip.
func (r *BreakerRegistry) Execute(host string, fn func() error) error {
	_, err := r.forHost(host).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}
