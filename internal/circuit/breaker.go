// Package circuit implements a closed/open/half-open circuit breaker placed in
// front of the remote drive.
//
// The breaker opens after a run of consecutive failures, rejects calls for a
// cooldown, then lets a limited number of probe calls through. One probe
// success closes it again; one probe failure reopens it.
package circuit

import (
	"sync"
	"time"

	"github.com/objectfs/drivefs/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects every call until the cooldown ends.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Breaker.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32 `yaml:"threshold"`
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration `yaml:"cooldown"`
	// Probes is the number of calls admitted while half-open.
	Probes uint32 `yaml:"probes"`

	// IsFailure decides whether an outcome counts against the breaker.
	// Defaults to err != nil.
	IsFailure func(err error) bool `yaml:"-"`

	OnStateChange func(name string, from, to State) `yaml:"-"`
	Now           func() time.Time                  `yaml:"-"`
}

// Counts summarises outcomes since the last state change.
type Counts struct {
	Requests            uint32    `json:"requests"`
	Failures            uint32    `json:"failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastActivity        time.Time `json:"last_activity"`
}

// Breaker is a circuit breaker. Callers bracket each call with Allow and
// Record.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	counts   Counts
	inFlight uint32
	openedAt time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 10
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes == 0 {
		cfg.Probes = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{name: name, cfg: cfg}
}

// Allow reports whether a call may proceed. Every nil return must be
// followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	switch b.advance(now) {
	case StateOpen:
		return ErrOpen(b.openedAt.Add(b.cfg.Cooldown).Sub(now))
	case StateHalfOpen:
		if b.inFlight >= b.cfg.Probes {
			return ErrProbing()
		}
		b.inFlight++
	}
	b.counts.Requests++
	b.counts.LastActivity = now
	return nil
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	state := b.advance(now)
	if state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	if !b.cfg.IsFailure(err) {
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.Threshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advance(b.cfg.Now())
}

// Counts returns the outcomes since the last state change.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, b.cfg.Now())
	b.counts = Counts{}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// advance moves an open breaker to half-open once its cooldown has passed.
// b.mu must be held.
func (b *Breaker) advance(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.cfg.Cooldown)) {
		b.transition(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.counts = Counts{}
	b.inFlight = 0
	if to == StateOpen {
		b.openedAt = now
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// ErrOpen is returned while the breaker is open.
func ErrOpen(remaining time.Duration) *errors.DriveFSError {
	return errors.NewError(errors.ErrCodeServiceUnavailable, "circuit breaker is open").
		WithComponent("circuit").
		WithContext("retry_in", remaining.String())
}

// ErrProbing is returned when every half-open probe slot is taken.
func ErrProbing() *errors.DriveFSError {
	return errors.NewError(errors.ErrCodeServiceUnavailable, "circuit breaker is probing").
		WithComponent("circuit")
}
