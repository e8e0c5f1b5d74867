// Package circuitbreaker stops calls to an upstream that keeps failing. After
// ReadyToTrip reports true the breaker opens and fails fast for Timeout, then
// lets up to MaxRequests trial calls through; one success closes it again,
// one failure reopens it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name        string
	MaxRequests uint32
	Timeout     time.Duration

	// ReadyToTrip decides on every failure in the closed state whether to
	// open. The default trips after 5 consecutive failures.
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from, to State)
	// IsSuccessful classifies call results. The default counts nil as
	// success.
	IsSuccessful func(err error) bool

	now func() time.Time
}

// Counts are reset on every state change.
type Counts struct {
	Requests             uint32
	TotalFailures        uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

type CircuitBreaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openUntil  time.Time
}

func New(st Settings) *CircuitBreaker {
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Timeout <= 0 {
		st.Timeout = 30 * time.Second
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool { return err == nil }
	}
	if st.now == nil {
		st.now = time.Now
	}
	return &CircuitBreaker{settings: st}
}

func (cb *CircuitBreaker) Name() string { return cb.settings.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.current(cb.settings.now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn unless the breaker is open. A panic in fn counts as a
// failure and is re-raised.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	generation, err := cb.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cb.after(generation, false)
			panic(r)
		}
	}()
	err = fn()
	cb.after(generation, cb.settings.IsSuccessful(err))
	return err
}

func (cb *CircuitBreaker) before() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.current(cb.settings.now())
	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.settings.MaxRequests:
		return generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return generation, nil
}

// after ignores results of calls that started in an earlier generation.
func (cb *CircuitBreaker) after(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.settings.now()
	state, current := cb.current(now)
	if current != generation {
		return
	}
	if success {
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			cb.setState(StateClosed, now)
		}
		return
	}
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	if state == StateHalfOpen || cb.settings.ReadyToTrip(cb.counts) {
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) current(now time.Time) (State, uint64) {
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.generation++
	cb.counts = Counts{}
	if state == StateOpen {
		cb.openUntil = now.Add(cb.settings.Timeout)
	}
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, prev, state)
	}
}

// Group holds one breaker per key, created on first use from settings.
type Group struct {
	settings func(key string) Settings

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewGroup(settings func(key string) Settings) *Group {
	return &Group{settings: settings, breakers: make(map[string]*CircuitBreaker)}
}

func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[key]
	if !ok {
		st := g.settings(key)
		if st.Name == "" {
			st.Name = key
		}
		cb = New(st)
		g.breakers[key] = cb
	}
	return cb
}
