// Package breaker implements the named circuit breakers that guard pipeline
// steps and external calls. A breaker opens after a run of consecutive
// failures and short-circuits callers until its reset window elapses.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrOpen is returned by Execute when the breaker is open and no fallback
// was supplied.
var ErrOpen = errors.New("breaker: open")

// Config holds per-breaker settings.
type Config struct {
	Threshold int           // consecutive failures before opening
	Reset     time.Duration // cooldown before the next attempt
}

// Default configs per breaker class. Overridable via SetConfig.
var (
	DefaultExecuteConfig = Config{Threshold: 3, Reset: 60 * time.Second}
	DefaultRPCConfig     = Config{Threshold: 5, Reset: 30 * time.Second}
	DefaultFetchConfig   = Config{Threshold: 10, Reset: 120 * time.Second}
)

// Status is a point-in-time view of one breaker.
type Status struct {
	IsOpen   bool       `json:"is_open"`
	Failures int        `json:"failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

type breakerState struct {
	cfg      Config
	failures int
	openedAt *time.Time
}

type registryMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	metricsInstance *registryMetrics
	metricsOnce     sync.Once
)

func getMetrics() *registryMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &registryMetrics{
			state: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "stratpipe_breaker_state",
				Help: "Breaker state (0=closed, 1=open)",
			}, []string{"name"}),
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stratpipe_breaker_requests_total",
				Help: "Requests observed per breaker and result",
			}, []string{"name", "result"}),
		}
	})
	return metricsInstance
}

// StateChange notifies a listener that the named breaker opened or closed.
type StateChange func(name string, open bool)

// Registry holds named breakers. Breakers are created on first use with the
// config registered for their name, or DefaultRPCConfig.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breakerState
	configs  map[string]Config
	onChange StateChange
	metrics  *registryMetrics
	now      func() time.Time
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*breakerState),
		configs:  make(map[string]Config),
		metrics:  getMetrics(),
		now:      time.Now,
	}
}

// OnStateChange registers a listener for open/close transitions.
func (r *Registry) OnStateChange(fn StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// SetConfig registers the config used when the named breaker is created.
// An already-created breaker is reconfigured in place.
func (r *Registry) SetConfig(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
	if b, ok := r.breakers[name]; ok {
		b.cfg = cfg
	}
}

func (r *Registry) get(name string) *breakerState {
	b, ok := r.breakers[name]
	if !ok {
		cfg, ok := r.configs[name]
		if !ok {
			cfg = DefaultRPCConfig
		}
		b = &breakerState{cfg: cfg}
		r.breakers[name] = b
	}
	return b
}

// allow reports whether a call may proceed; called with the lock held.
func (r *Registry) allow(b *breakerState) bool {
	if b.openedAt == nil {
		return true
	}
	return r.now().Sub(*b.openedAt) >= b.cfg.Reset
}

func (r *Registry) recordSuccess(name string) {
	r.mu.Lock()
	b := r.get(name)
	wasOpen := b.openedAt != nil
	b.failures = 0
	b.openedAt = nil
	fn := r.onChange
	r.mu.Unlock()

	r.metrics.requests.WithLabelValues(name, "success").Inc()
	r.metrics.state.WithLabelValues(name).Set(0)
	if wasOpen && fn != nil {
		fn(name, false)
	}
}

func (r *Registry) recordFailure(name string) {
	r.mu.Lock()
	b := r.get(name)
	b.failures++
	opened := false
	if b.failures >= b.cfg.Threshold && b.openedAt == nil {
		now := r.now()
		b.openedAt = &now
		opened = true
	} else if b.openedAt != nil {
		// Failed again after the reset window; restart the cooldown.
		now := r.now()
		b.openedAt = &now
	}
	fn := r.onChange
	r.mu.Unlock()

	r.metrics.requests.WithLabelValues(name, "failure").Inc()
	if opened {
		r.metrics.state.WithLabelValues(name).Set(1)
		if fn != nil {
			fn(name, true)
		}
	}
}

// Do runs op under the named breaker. When the breaker is open and the reset
// window has not elapsed, op is skipped and ErrOpen returned.
func (r *Registry) Do(name string, op func() error) error {
	r.mu.Lock()
	b := r.get(name)
	allowed := r.allow(b)
	r.mu.Unlock()

	if !allowed {
		r.metrics.requests.WithLabelValues(name, "short_circuit").Inc()
		return ErrOpen
	}
	if err := op(); err != nil {
		r.recordFailure(name)
		return err
	}
	r.recordSuccess(name)
	return nil
}

// Execute runs op under the named breaker and returns its value. When the
// breaker is open, the fallback (if any) supplies the value without invoking
// op; with no fallback the call fails with ErrOpen.
func Execute[T any](r *Registry, name string, op func() (T, error), fallback func() T) (T, error) {
	r.mu.Lock()
	b := r.get(name)
	allowed := r.allow(b)
	r.mu.Unlock()

	if !allowed {
		r.metrics.requests.WithLabelValues(name, "short_circuit").Inc()
		var zero T
		if fallback != nil {
			return fallback(), nil
		}
		return zero, ErrOpen
	}

	v, err := op()
	if err != nil {
		r.recordFailure(name)
		var zero T
		return zero, err
	}
	r.recordSuccess(name)
	return v, nil
}

// Open forces the named breaker open immediately.
func (r *Registry) Open(name string) {
	r.mu.Lock()
	b := r.get(name)
	wasOpen := b.openedAt != nil
	now := r.now()
	b.openedAt = &now
	if b.failures < b.cfg.Threshold {
		b.failures = b.cfg.Threshold
	}
	fn := r.onChange
	r.mu.Unlock()

	r.metrics.state.WithLabelValues(name).Set(1)
	if !wasOpen && fn != nil {
		fn(name, true)
	}
}

// Reset closes the named breaker and clears its failure count.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	b := r.get(name)
	wasOpen := b.openedAt != nil
	b.failures = 0
	b.openedAt = nil
	fn := r.onChange
	r.mu.Unlock()

	r.metrics.state.WithLabelValues(name).Set(0)
	if wasOpen && fn != nil {
		fn(name, false)
	}
}

// Status returns the current state of the named breaker.
func (r *Registry) Status(name string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(name)
	st := Status{Failures: b.failures}
	if b.openedAt != nil {
		t := *b.openedAt
		st.OpenedAt = &t
		// Reported as open even past the reset window; the next call is the
		// probe that decides whether it closes.
		st.IsOpen = true
	}
	return st
}

// IsOpen reports whether the named breaker currently refuses calls.
func (r *Registry) IsOpen(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(name)
	if b.openedAt == nil {
		return false
	}
	return r.now().Sub(*b.openedAt) < b.cfg.Reset
}
