package ftpclient_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgaunet/cruisesync/pkg/config"
	"github.com/sgaunet/cruisesync/pkg/ftpclient"
)

// fakeClock is a manually advanced clock for deterministic breaker tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock) *ftpclient.Breaker {
	b := ftpclient.NewBreaker(config.BreakerConfig{
		FailureThreshold: 3,
		WindowSeconds:    60,
		CooldownSeconds:  30,
	})
	b.SetClock(clock.Now)
	return b
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestBreaker(newFakeClock())

	assert.Equal(t, ftpclient.StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, ftpclient.StateClosed, b.State(), "below threshold must stay closed")

	b.RecordFailure()
	assert.Equal(t, ftpclient.StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ftpclient.ErrCircuitOpen)
}

func TestBreaker_FailuresExpireOutsideWindow(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(61 * time.Second)
	b.RecordFailure()

	assert.Equal(t, ftpclient.StateClosed, b.State(),
		"stale failures outside the sliding window must not count toward the threshold")
}

func TestBreaker_SuccessClearsFailureWindow(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, ftpclient.StateClosed, b.State())
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, ftpclient.StateOpen, b.State())
	require.ErrorIs(t, b.Allow(), ftpclient.ErrCircuitOpen)

	clock.Advance(31 * time.Second)

	assert.NoError(t, b.Allow(), "first call after cool-down is the trial call")
	assert.Equal(t, ftpclient.StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ftpclient.ErrCircuitOpen,
		"only one trial call may be in flight")

	b.RecordSuccess()
	assert.Equal(t, ftpclient.StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, ftpclient.StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, ftpclient.StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ftpclient.ErrCircuitOpen,
		"a failed trial call restarts the cool-down")

	clock.Advance(31 * time.Second)
	assert.NoError(t, b.Allow(), "cool-down elapsed again, next trial admitted")
}

func TestBreaker_FailuresWhileOpenDoNotExtendCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	var transitions []ftpclient.BreakerState
	b.OnTransition(func(state ftpclient.BreakerState) {
		transitions = append(transitions, state)
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, ftpclient.StateOpen, b.State())

	// Stragglers from calls already in flight when the breaker opened.
	clock.Advance(20 * time.Second)
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, []ftpclient.BreakerState{ftpclient.StateOpen}, transitions,
		"reopening an open breaker must not re-fire the transition")

	clock.Advance(11 * time.Second)
	assert.NoError(t, b.Allow(), "the cool-down runs from when the breaker opened")
}

func TestBreaker_ResetForcesClosed(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, ftpclient.StateOpen, b.State())

	b.Reset()
	assert.Equal(t, ftpclient.StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_TransitionCallback(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	var transitions []ftpclient.BreakerState
	b.OnTransition(func(state ftpclient.BreakerState) {
		transitions = append(transitions, state)
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []ftpclient.BreakerState{
		ftpclient.StateOpen,
		ftpclient.StateHalfOpen,
		ftpclient.StateClosed,
	}, transitions)
}

func TestBreakerRegistry_OneBreakerPerHost(t *testing.T) {
	r := ftpclient.NewBreakerRegistry(config.BreakerConfig{FailureThreshold: 1, WindowSeconds: 60, CooldownSeconds: 60})

	a := r.Get("ftp.vendor-a.test")
	assert.Same(t, a, r.Get("ftp.vendor-a.test"))

	a.RecordFailure()
	states := r.States()
	assert.Equal(t, ftpclient.StateOpen, states["ftp.vendor-a.test"])

	b := r.Get("ftp.vendor-b.test")
	assert.Equal(t, ftpclient.StateClosed, b.State(), "hosts must not share failure state")
}
