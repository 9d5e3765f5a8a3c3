package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

var errTransient = errors.New("connection reset by peer")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreakers(cfg BreakerConfig) (*AdapterBreakers, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewAdapterBreakers(cfg)
	b.now = clock.now
	return b, clock
}

func TestBreakers_DisabledByZeroThreshold(t *testing.T) {
	b := NewAdapterBreakers(BreakerConfig{})
	for i := 0; i < 10; i++ {
		b.Record("api", errTransient)
	}
	assert.NoError(t, b.Allow("api"))
	assert.Equal(t, CircuitClosed, b.State("api"))

	var nilBreakers *AdapterBreakers
	assert.NoError(t, nilBreakers.Allow("api"))
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := newBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second})

	b.Record("api", errTransient)
	b.Record("api", errTransient)
	assert.Equal(t, CircuitClosed, b.State("api"))

	assert.Equal(t, CircuitOpen, b.Record("api", errTransient))
	err := b.Allow("api")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	assert.True(t, IsRetryableError(err))

	var se *schema.SynthesisError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Details["consecutive_failures"])
}

func TestBreakers_TerminalFailuresDoNotCount(t *testing.T) {
	b, _ := newBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Second})
	bad := schema.NewError(schema.ErrCodeValidation, "bad input")

	for i := 0; i < 5; i++ {
		b.Record("api", bad)
		b.Record("api", schema.NewError(schema.ErrCodeCancelled, "cancelled"))
	}
	assert.Equal(t, CircuitClosed, b.State("api"))
}

func TestBreakers_SuccessResets(t *testing.T) {
	b, _ := newBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: time.Second})
	b.Record("api", errTransient)
	b.Record("api", errTransient)
	b.Record("api", nil)
	b.Record("api", errTransient)
	b.Record("api", errTransient)
	assert.Equal(t, CircuitClosed, b.State("api"))
}

func TestBreakers_HalfOpen(t *testing.T) {
	tests := []struct {
		name  string
		probe error
		want  CircuitState
	}{
		{"probe success closes", nil, CircuitClosed},
		{"probe failure reopens", errTransient, CircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: 50 * time.Millisecond, HalfOpenMax: 1})
			b.Record("api", errTransient)
			b.Record("api", errTransient)
			require.Error(t, b.Allow("api"))

			clock.advance(60 * time.Millisecond)
			assert.Equal(t, CircuitHalfOpen, b.State("api"))
			require.NoError(t, b.Allow("api"))
			// Only one probe at a time.
			assert.Error(t, b.Allow("api"))

			assert.Equal(t, tt.want, b.Record("api", tt.probe))
		})
	}
}

func TestBreakers_PerAdapterIsolation(t *testing.T) {
	b, _ := newBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	b.Record("mcp.search", errTransient)
	assert.Error(t, b.Allow("mcp.search"))
	assert.NoError(t, b.Allow("service.billing"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

func TestEngine_Run_OpenCircuitFailsFast(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Breaker = BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}
	})
	var calls atomic.Int32
	env.function(t, "down", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errTransient
	})
	s := fnStep("a", "down")
	s.Retry = &schema.RetryPolicy{Max: 4, Delay: "1ms"}

	st := env.run(t, process("p", s))
	assert.Equal(t, schema.ExecutionFailed, st.State)
	a := runOf(t, st, "a")
	assert.Equal(t, 4, a.RetryCount)
	assert.Equal(t, schema.ErrCodeCircuitOpen, a.Error.Code)
	// The last attempts were rejected without calling the function.
	assert.EqualValues(t, 2, calls.Load())
}
