package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errRemote = errors.New("remote unavailable")

func failing() error    { return errRemote }
func succeeding() error { return nil }

// fakeClock lets tests advance the breaker's cooldown without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	b := NewBreaker(cfg)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b.now = clock.now
	return b, clock
}

func TestBreaker_ClosedPassesCallsThrough(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !called {
		t.Error("fn was not called")
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3})

	for i := 0; i < 3; i++ {
		if err := b.Do(failing); !errors.Is(err, errRemote) {
			t.Fatalf("Do() #%d error = %v, want errRemote", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %s, want %s", got, StateOpen)
	}

	err := b.Do(func() error {
		t.Error("fn called while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Do() while open error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3})

	_ = b.Do(failing)
	_ = b.Do(failing)
	_ = b.Do(succeeding)
	_ = b.Do(failing)
	_ = b.Do(failing)

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s after interleaved success", got, StateClosed)
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{Name: "test", Threshold: 1, Cooldown: 30 * time.Second})

	_ = b.Do(failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %s, want %s", got, StateOpen)
	}

	clock.advance(29 * time.Second)
	if got := b.State(); got != StateOpen {
		t.Errorf("State() before cooldown = %s, want %s", got, StateOpen)
	}

	clock.advance(time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Errorf("State() after cooldown = %s, want %s", got, StateHalfOpen)
	}
}

func TestBreaker_ClosesAfterRecovery(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{Name: "test", Threshold: 1, Cooldown: time.Second, Recovery: 2})

	_ = b.Do(failing)
	clock.advance(time.Second)

	for i := 0; i < 2; i++ {
		if err := b.Do(succeeding); err != nil {
			t.Fatalf("Do() trial #%d error = %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s after recovery", got, StateClosed)
	}
}

func TestBreaker_ReopensOnTrialFailure(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{Name: "test", Threshold: 1, Cooldown: time.Second, Recovery: 2})

	_ = b.Do(failing)
	clock.advance(time.Second)

	if err := b.Do(failing); !errors.Is(err, errRemote) {
		t.Fatalf("Do() trial error = %v, want errRemote", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("State() = %s, want %s after failed trial", got, StateOpen)
	}

	// The cooldown restarts from the failed trial.
	if err := b.Do(succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Do() right after failed trial error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SingleTrialCallAtATime(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{Name: "test", Threshold: 1, Cooldown: time.Second, Recovery: 1})

	_ = b.Do(failing)
	clock.advance(time.Second)

	trialRunning := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(trialRunning)
			<-release
			return nil
		})
	}()
	<-trialRunning

	// A concurrent caller is turned away while the trial is in flight.
	if err := b.Do(succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent Do() error = %v, want ErrCircuitOpen", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial Do() error = %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}
}

func TestBreaker_StateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
