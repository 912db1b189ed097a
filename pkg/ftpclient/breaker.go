package ftpclient

import (
	"sync"
	"time"

	"github.com/sgaunet/cruisesync/pkg/config"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	// StateClosed lets calls through and counts failures.
	StateClosed BreakerState = "closed"
	// StateOpen fails all calls fast until the cool-down elapses.
	StateOpen BreakerState = "open"
	// StateHalfOpen lets a single trial call decide open vs closed.
	StateHalfOpen BreakerState = "half-open"
)

// Breaker is an explicit closed/open/half-open state machine with a sliding
// failure window. The clock is injectable so transitions are unit-testable.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  []time.Time
	threshold int
	window    time.Duration
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	now       func() time.Time

	onTransition func(state BreakerState)
}

// NewBreaker creates a closed breaker with the configured thresholds.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		state:     StateClosed,
		threshold: cfg.FailureThreshold,
		window:    cfg.Window(),
		cooldown:  cfg.Cooldown(),
		now:       time.Now,
	}
}

// SetClock replaces the breaker clock, for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnTransition registers a callback invoked on each state change.
func (b *Breaker) OnTransition(fn func(state BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen until the cool-down elapses, then admits exactly one trial
// call in half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker and clears the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure; the breaker opens when the threshold is
// crossed within the sliding window, and reopens on a failed trial call.
// Failures reported while already open are dropped: the cool-down runs from
// the moment the breaker opened, not from the last straggler.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateOpen {
		return
	}
	if b.state == StateHalfOpen {
		b.probing = false
		b.openedAt = now
		b.transition(StateOpen)
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)
	if len(b.failures) >= b.threshold {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

// cancelProbe returns the half-open trial slot without deciding the outcome,
// for admitted calls that never reached the endpoint.
func (b *Breaker) cancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Reset forces the breaker closed. Operator recovery hook.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) transition(state BreakerState) {
	b.state = state
	if b.onTransition != nil {
		b.onTransition(state)
	}
}

// BreakerRegistry holds one breaker per remote endpoint. It is an injectable
// service rather than a process-wide global so tests can isolate instances.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(cfg config.BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a host, creating it on first use.
func (r *BreakerRegistry) Get(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[host]
	if !ok {
		b = NewBreaker(r.cfg)
		r.breakers[host] = b
	}
	return b
}

// States returns a snapshot of every known breaker state.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for host, b := range r.breakers {
		out[host] = b.State()
	}
	return out
}
