package engine

import (
	"sync"
	"time"

	"github.com/synthesis-run/synthesis/internal/adapters"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// CircuitState is the state of an adapter circuit.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls pass
	CircuitOpen                         // calls are rejected until the cooldown ends
	CircuitHalfOpen                     // a limited number of probe calls pass
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

// BreakerConfig configures the per-adapter circuit breakers. A zero
// FailureThreshold disables them.
type BreakerConfig struct {
	FailureThreshold int           // consecutive transient failures that open a circuit
	Cooldown         time.Duration // how long an open circuit rejects calls
	HalfOpenMax      int           // probe calls allowed while half-open
}

// DefaultBreakerConfig returns the settings used by the server.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	lastFail  time.Time
	halfOpens int
}

// AdapterBreakers guards adapter calls. Only transient failures count, so a
// step with bad input cannot trip the circuit of a healthy service.
type AdapterBreakers struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	cfg      BreakerConfig
	now      func() time.Time
}

// NewAdapterBreakers creates breakers with cfg. HalfOpenMax defaults to 1.
func NewAdapterBreakers(cfg BreakerConfig) *AdapterBreakers {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &AdapterBreakers{circuits: make(map[string]*circuit), cfg: cfg, now: time.Now}
}

func (b *AdapterBreakers) enabled() bool {
	return b != nil && b.cfg.FailureThreshold > 0
}

// Allow reports whether a call to adapter may proceed. A rejection is a
// retryable CIRCUIT_OPEN error.
func (b *AdapterBreakers) Allow(adapter string) error {
	if !b.enabled() {
		return nil
	}
	c := b.circuit(adapter)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(c.lastFail)
		if remaining <= 0 {
			c.state = CircuitHalfOpen
			c.halfOpens = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit open for adapter %q after %d consecutive failures", adapter, c.failures).
			WithDetails(map[string]any{
				"adapter":              adapter,
				"consecutive_failures": c.failures,
				"retry_after_ms":       remaining.Milliseconds(),
			}).
			AsRetryable()
	case CircuitHalfOpen:
		if c.halfOpens >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for adapter %q, probe in progress", adapter).
				WithDetails(map[string]any{"adapter": adapter}).
				AsRetryable()
		}
		c.halfOpens++
	}
	return nil
}

// Record feeds the outcome of a call into the circuit of adapter and
// returns the resulting state.
func (b *AdapterBreakers) Record(adapter string, err error) CircuitState {
	if !b.enabled() {
		return CircuitClosed
	}
	c := b.circuit(adapter)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case err == nil:
		c.failures = 0
		c.halfOpens = 0
		c.state = CircuitClosed
	case schema.IsCode(err, schema.ErrCodeCancelled) || !adapters.Retryable(err):
		// Not a sign of an unhealthy adapter.
		if c.state == CircuitHalfOpen {
			c.halfOpens--
		}
	default:
		c.failures++
		c.lastFail = b.now()
		if c.state == CircuitHalfOpen || c.failures >= b.cfg.FailureThreshold {
			c.state = CircuitOpen
		}
	}
	return c.state
}

// State returns the current state of the circuit of adapter.
func (b *AdapterBreakers) State(adapter string) CircuitState {
	if !b.enabled() {
		return CircuitClosed
	}
	c := b.circuit(adapter)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen && b.now().Sub(c.lastFail) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return c.state
}

func (b *AdapterBreakers) circuit(adapter string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[adapter]
	if !ok {
		c = &circuit{}
		b.circuits[adapter] = c
	}
	return c
}
