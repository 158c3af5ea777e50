package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State is a breaker state.
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
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a breaker. Zero fields take defaults.
type Settings struct {
	// MaxRequests is how many probes are allowed while half-open, and how
	// many must succeed to close again.
	MaxRequests uint32
	// Interval clears the closed-state counts periodically.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ReadyToTrip decides, after a failure while closed, whether to open.
	ReadyToTrip func(counts Counts) bool
	// IsFailure classifies a result error. Nil errors are always successes.
	IsFailure func(err error) bool
	// OnStateChange observes transitions.
	OnStateChange func(name string, from, to State)

	now func() time.Time
}

// Counts are the breaker's statistics for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards calls to one upstream.
type Breaker struct {
	name     string
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Interval == 0 {
		settings.Interval = time.Minute
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(c Counts) bool {
			return c.ConsecutiveFailures > 5
		}
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(error) bool { return true }
	}
	if settings.now == nil {
		settings.now = time.Now
	}

	return &Breaker{
		name:     name,
		settings: settings,
		expiry:   settings.now().Add(settings.Interval),
	}
}

// Name returns the name the breaker was created with.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, applying any due transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.settings.now())
	return state
}

// Counts returns the counters of the current generation.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn through b. A panic in fn counts as a failure and is
// re-raised.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	gen, err := b.before()
	if err != nil {
		return zero, err
	}

	defer func() {
		if e := recover(); e != nil {
			b.after(gen, false)
			panic(e)
		}
	}()

	v, err := fn()
	b.after(gen, err == nil || !b.settings.IsFailure(err))
	return v, err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.current(b.settings.now())
	switch {
	case state == StateOpen:
		return gen, ErrCircuitOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests:
		return gen, ErrTooManyRequests
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.now()
	state, gen := b.current(now)
	if gen != before {
		return
	}

	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.settings.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.settings.Interval)
	case StateOpen:
		b.expiry = now.Add(b.settings.Timeout)
	default:
		b.expiry = time.Time{}
	}
}
