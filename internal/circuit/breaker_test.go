package circuit

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/drivefs/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

var errBoom = stderrors.New("boom")

// call runs one admitted call with the given outcome.
func call(t *testing.T, b *Breaker, outcome error) {
	t.Helper()
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() error = %v in state %s", err, b.State())
	}
	b.Record(outcome)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	b := New("remote", Config{})
	if b.cfg.Threshold != 10 || b.cfg.Cooldown != 30*time.Second || b.cfg.Probes != 1 {
		t.Errorf("defaults = %+v", b.cfg)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %s, want CLOSED", b.State())
	}
	if b.Name() != "remote" {
		t.Errorf("Name() = %q", b.Name())
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := New("remote", Config{Threshold: 3, Cooldown: time.Minute, Now: clock.Now})

	call(t, b, errBoom)
	call(t, b, errBoom)
	call(t, b, nil) // a success breaks the run
	call(t, b, errBoom)
	call(t, b, errBoom)
	if b.State() != StateClosed {
		t.Fatalf("state = %s after interrupted run, want CLOSED", b.State())
	}
	call(t, b, errBoom)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	err := b.Allow()
	if !errors.IsCode(err, errors.ErrCodeServiceUnavailable) {
		t.Errorf("Allow() while open = %v, want SERVICE_UNAVAILABLE", err)
	}
}

func TestIsFailureFiltersOutcomes(t *testing.T) {
	b := New("remote", Config{
		Threshold: 1,
		IsFailure: func(err error) bool { return errors.IsCode(err, errors.ErrCodeTransient) },
	})

	for i := 0; i < 5; i++ {
		call(t, b, errors.NewError(errors.ErrCodeNotFound, "missing"))
	}
	if b.State() != StateClosed {
		t.Fatalf("not-found opened the breaker")
	}
	call(t, b, errors.NewError(errors.ErrCodeTransient, "reset"))
	if b.State() != StateOpen {
		t.Errorf("state = %s after transient failure, want OPEN", b.State())
	}
}

func TestHalfOpenProbeCloses(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New("remote", Config{
		Threshold: 1,
		Cooldown:  time.Minute,
		Now:       clock.Now,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	call(t, b, errBoom)
	clock.Advance(59 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("state = %s before cooldown, want OPEN", b.State())
	}
	clock.Advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s after cooldown, want HALF_OPEN", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if err := b.Allow(); !errors.IsCode(err, errors.ErrCodeServiceUnavailable) {
		t.Errorf("second probe = %v, want SERVICE_UNAVAILABLE", err)
	}
	b.Record(nil)
	if b.State() != StateClosed {
		t.Errorf("state = %s after probe success, want CLOSED", b.State())
	}

	want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("remote", Config{Threshold: 1, Cooldown: time.Minute, Now: clock.Now})

	call(t, b, errBoom)
	clock.Advance(time.Minute)
	call(t, b, errBoom)
	if b.State() != StateOpen {
		t.Fatalf("state = %s after probe failure, want OPEN", b.State())
	}

	// The cooldown restarts from the probe failure.
	clock.Advance(30 * time.Second)
	if b.State() != StateOpen {
		t.Errorf("state = %s mid cooldown, want OPEN", b.State())
	}
}

func TestCountsAndReset(t *testing.T) {
	b := New("remote", Config{Threshold: 2})

	call(t, b, nil)
	call(t, b, errBoom)
	c := b.Counts()
	if c.Requests != 2 || c.Failures != 1 || c.ConsecutiveFailures != 1 {
		t.Errorf("Counts() = %+v", c)
	}

	call(t, b, errBoom)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}
	b.Reset()
	if b.State() != StateClosed || b.Counts() != (Counts{}) {
		t.Errorf("after Reset: state %s counts %+v", b.State(), b.Counts())
	}
}

func TestConcurrentCalls(t *testing.T) {
	b := New("remote", Config{Threshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := b.Allow(); err != nil {
					t.Errorf("Allow() error = %v", err)
					return
				}
				if (i+j)%2 == 0 {
					b.Record(errBoom)
				} else {
					b.Record(nil)
				}
			}
		}(i)
	}
	wg.Wait()

	if got := b.Counts().Requests; got != 1000 {
		t.Errorf("Requests = %d, want 1000", got)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", b.State())
	}
}
