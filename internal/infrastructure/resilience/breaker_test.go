package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFailed = errors.New("failed")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func trippingSettings(clock *fakeClock) Settings {
	return Settings{
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
		Now: clock.Now,
	}
}

func outcome(ok bool) func(context.Context) error {
	return func(context.Context) error {
		if ok {
			return nil
		}
		return errFailed
	}
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		requests      []bool
		expectedState State
	}{
		{"all successes", []bool{true, true, true}, StateClosed},
		{"single failure", []bool{true, false, true}, StateClosed},
		{"consecutive failures trip", []bool{true, false, false}, StateOpen},
		{"success resets streak", []bool{false, true, false}, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(0, 0)}
			b := New("test", trippingSettings(clock))
			for _, ok := range tt.requests {
				_ = b.Do(context.Background(), outcome(ok))
			}
			assert.Equal(t, tt.expectedState, b.State())
		})
	}
}

func TestBreakerCounts(t *testing.T) {
	b := New("test", Settings{})

	require.NoError(t, b.Do(context.Background(), outcome(true)))
	counts := b.Counts()
	assert.Equal(t, uint32(1), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.ConsecutiveSuccesses)

	assert.ErrorIs(t, b.Do(context.Background(), outcome(false)), errFailed)
	counts = b.Counts()
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
	assert.Equal(t, uint32(0), counts.ConsecutiveSuccesses)
}

func TestBreakerOpenState(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := New("test", trippingSettings(clock))

	for i := 0; i < 2; i++ {
		_ = b.Do(context.Background(), outcome(false))
	}
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenState(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := New("test", trippingSettings(clock))

	for i := 0; i < 2; i++ {
		_ = b.Do(context.Background(), outcome(false))
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Do(context.Background(), outcome(true)))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := New("test", trippingSettings(clock))

	for i := 0; i < 2; i++ {
		_ = b.Do(context.Background(), outcome(false))
	}
	clock.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Do(context.Background(), outcome(false))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := New("test", trippingSettings(clock))

	for i := 0; i < 3; i++ {
		err := b.Do(context.Background(), func(context.Context) error {
			return context.Canceled
		})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(3), b.Counts().TotalSuccesses)
}

func TestBreakerDoneContext(t *testing.T) {
	b := New("test", Settings{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, outcome(true))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint32(0), b.Counts().Requests)
}

func TestCall(t *testing.T) {
	b := New("test", Settings{})

	n, err := Call(context.Background(), b, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = Call(context.Background(), b, func(context.Context) (string, error) {
		return "", errFailed
	})
	assert.ErrorIs(t, err, errFailed)
}

func TestBreakerCallbacks(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []string

	settings := trippingSettings(clock)
	settings.OnStateChange = func(name string, from State, to State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}
	b := New("test", settings)

	for i := 0; i < 2; i++ {
		_ = b.Do(context.Background(), outcome(false))
	}
	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	assert.Equal(t, []string{"test:closed->open", "test:open->half-open"}, transitions)
}

func TestGroup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	g := NewGroup("fetch:", trippingSettings(clock))

	a := g.Get("a.example")
	assert.Same(t, a, g.Get("a.example"))
	assert.Equal(t, "fetch:a.example", a.Name())

	for i := 0; i < 2; i++ {
		_ = a.Do(context.Background(), outcome(false))
	}
	require.NoError(t, g.Get("b.example").Do(context.Background(), outcome(true)))

	assert.Equal(t, map[string]State{
		"a.example": StateOpen,
		"b.example": StateClosed,
	}, g.States())
}
