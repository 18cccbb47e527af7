// Package breaker implements a three-state circuit breaker keyed by resource
// name. State is process-local: the point is shedding load from this
// process's perspective, not global coordination.
package breaker

import (
	"sync"
	"time"

	"leadsearch/domain"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	onTransition func(name string, state State)
}

// New creates a closed breaker. threshold is the consecutive-failure count
// that opens it; cooldown is how long it stays open before a single
// half-open probe is allowed.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     StateClosed,
	}
}

// SetClock overrides the time source for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
}

// OnTransition registers a hook invoked (outside the lock) on every state
// change, used to keep the state gauge current.
func (b *Breaker) OnTransition(fn func(name string, state State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a call may proceed. In the open state it fails fast
// with domain.ErrBreakerOpen until the cool-down elapses, then admits exactly
// one half-open probe; concurrent callers keep failing fast until that probe
// reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return domain.ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		fn, st := b.onTransition, b.state
		b.mu.Unlock()
		if fn != nil {
			fn(b.name, st)
		}
		return nil
	default: // half-open
		if b.probeInFlight {
			b.mu.Unlock()
			return domain.ErrBreakerOpen
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return nil
	}
}

// CancelProbe returns an admitted probe that was abandoned before reaching
// the resource, so the breaker keeps waiting for a real outcome and the next
// caller can probe instead. No-op unless a probe is outstanding.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
	b.mu.Unlock()
}

// Success resets the failure streak; one success closes a half-open breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.probeInFlight = false
	transitioned := b.state != StateClosed
	b.state = StateClosed
	fn := b.onTransition
	b.mu.Unlock()
	if transitioned && fn != nil {
		fn(b.name, StateClosed)
	}
}

// Failure increments the streak; crossing the threshold (or failing the
// half-open probe) opens the breaker and stamps openedAt.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.consecutiveFailures++
	b.probeInFlight = false
	transitioned := false
	if b.state == StateHalfOpen || (b.state == StateClosed && b.consecutiveFailures >= b.threshold) {
		b.state = StateOpen
		b.openedAt = b.now()
		transitioned = true
	}
	fn := b.onTransition
	b.mu.Unlock()
	if transitioned && fn != nil {
		fn(b.name, StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out one breaker per resource name.
type Registry struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	breakers  map[string]*Breaker
}

func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*Breaker),
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.threshold, r.cooldown)
		r.breakers[name] = b
	}
	return b
}
