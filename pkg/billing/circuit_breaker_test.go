package billing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAfterTransientFailures(t *testing.T) {
	var (
		mu     sync.Mutex
		states []CircuitState
	)
	cb := NewCircuitBreaker(2, time.Minute, func(s CircuitState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	_ = cb.Execute(func() error { return transient("a") })
	assert.Equal(t, CircuitClosed, cb.State())
	_ = cb.Execute(func() error { return transient("b") })
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []CircuitState{CircuitOpen}, states)
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, nil)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return permanent("bad") })
	}
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(func() error { return errors.New("unclassified") })
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialCall(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Minute, nil)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return transient("down") })
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// A failed trial call reopens immediately.
	_ = cb.Execute(func() error { return transient("still down") })
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(time.Minute)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}
