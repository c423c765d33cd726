package engine

import (
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls pass
	CircuitOpen                         // calls short-circuit
	CircuitHalfOpen                     // probing
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive retryable failures that opens
	// the circuit. Zero disables breaking.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
	probeAt  time.Time
}

// Breakers keeps one circuit breaker per key. A key is a step kind, or a kind
// and the target it calls (see BreakerKey), so one failing endpoint does not
// short-circuit calls to healthy ones.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
	onChange func(key string, state CircuitState)
}

// BreakerKey scopes kind's breaker to target. An empty target keys by kind alone.
func BreakerKey(kind schema.ActionKind, target string) string {
	if target == "" {
		return string(kind)
	}
	return string(kind) + ":" + target
}

// NewBreakers creates a registry with the given config.
func NewBreakers(config BreakerConfig, now func() time.Time) *Breakers {
	if now == nil {
		now = time.Now
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{breakers: make(map[string]*breaker), config: config, now: now}
}

// OnStateChange registers a callback for circuit state changes.
func (r *Breakers) OnStateChange(fn func(key string, state CircuitState)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Allow returns nil when a call for key may proceed, or a retryable
// CIRCUIT_OPEN error.
func (r *Breakers) Allow(key string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	switch b.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - now.Sub(b.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %q after %d consecutive failures", key, b.failures).
				WithDetails(map[string]any{"breaker": key, "cooldown_remaining": remaining.String()}).
				AsRetryable()
		}
		r.setState(key, b, CircuitHalfOpen)
		b.probes = 1
		b.probeAt = now
		return nil
	case CircuitHalfOpen:
		// a probe that never reported back is given up after one cooldown
		if b.probes >= r.config.HalfOpenMax && now.Sub(b.probeAt) < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %q: probe in flight", key).AsRetryable()
		}
		if b.probes >= r.config.HalfOpenMax {
			b.probes = 0
		}
		b.probes++
		b.probeAt = now
	}
	return nil
}

// Release hands back an admission that will never report an outcome.
func (r *Breakers) Release(key string) {
	if r.config.FailureThreshold <= 0 {
		return
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// RetryAfter is how long calls for key stay rejected: the remaining cooldown
// while open, one cooldown while a probe is in flight, zero otherwise.
func (r *Breakers) RetryAfter(key string) time.Duration {
	if r.config.FailureThreshold <= 0 {
		return 0
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := r.now()
	switch b.state {
	case CircuitOpen:
		return max(r.config.Cooldown-now.Sub(b.openedAt), 0)
	case CircuitHalfOpen:
		if b.probes >= r.config.HalfOpenMax {
			return max(r.config.Cooldown-now.Sub(b.probeAt), 0)
		}
	}
	return 0
}

// Record feeds a call outcome back. Only retryable failures count against
// the circuit.
func (r *Breakers) Record(key string, failed, retryable bool) {
	if r.config.FailureThreshold <= 0 {
		return
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed || !retryable {
		b.failures = 0
		b.probes = 0
		r.setState(key, b, CircuitClosed)
		return
	}
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.openedAt = r.now()
		r.setState(key, b, CircuitOpen)
	}
}

// State returns the current state for key.
func (r *Breakers) State(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.openedAt) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (r *Breakers) setState(key string, b *breaker, s CircuitState) {
	if b.state == s {
		return
	}
	b.state = s
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(key, s)
	}
}

func (r *Breakers) get(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	return b
}
