package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = NewTransientError(errors.New("upstream 503"), 503)

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("accurate", DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}
	cb := NewCircuitBreaker("fast", cfg)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errUpstream })
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state after %d failures, got %s", cfg.FailureThreshold, cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if Classify(err) != KindTransient {
		t.Errorf("open circuit should classify as transient, got %s", Classify(err))
	}
}

func TestCircuitBreaker_QualityErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("balanced", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return &QualityError{Err: errors.New("schema mismatch")}
	})
	if cb.State() != CircuitClosed {
		t.Errorf("malformed output must not open the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("accurate", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	var transitions []CircuitState
	cb.cfg.OnStateChange = func(_ string, _, to CircuitState) { transitions = append(transitions, to) }

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errUpstream })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("accurate", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errUpstream })
	}
	now = now.Add(2 * time.Second)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errUpstream })

	if cb.State() != CircuitOpen {
		t.Errorf("failed probe should reopen, got %s", cb.State())
	}
}

func TestCircuitBreaker_ExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker("fast", DefaultCircuitBreakerConfig())
	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("ExecuteVal = %d, %v", v, err)
	}
}

func TestBreakers_GetAndStates(t *testing.T) {
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Get("fast")
		}()
	}
	wg.Wait()

	if b.Get("fast") != b.Get("fast") {
		t.Fatal("Get should return the same breaker for a name")
	}
	_ = b.Get("accurate").Execute(context.Background(), func(_ context.Context) error { return errUpstream })

	states := b.States()
	if states["fast"] != CircuitClosed {
		t.Errorf("fast = %s, want closed", states["fast"])
	}
	if states["accurate"] != CircuitOpen {
		t.Errorf("accurate = %s, want open", states["accurate"])
	}
}
