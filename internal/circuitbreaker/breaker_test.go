package circuitbreaker

import (
	"testing"
	"time"
)

const endpoint = "http://orchestrator.local/pipelines/p1/trigger"

// fakeNow returns a controllable time source.
func fakeNow() (func() time.Time, func(time.Duration)) {
	now := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func openBreaker(t *testing.T, threshold int, cooldown time.Duration) (*CircuitBreaker, func(time.Duration)) {
	t.Helper()
	now, advance := fakeNow()
	cb := New(threshold, cooldown).WithClock(now)
	for i := 0; i < threshold; i++ {
		cb.RecordFailure(endpoint)
	}
	return cb, advance
}

func TestAllow_UnknownEndpoint_Allowed(t *testing.T) {
	cb := New(3, 5*time.Second)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if cb.State(endpoint) != StateClosed {
		t.Errorf("expected closed, got %s", cb.State(endpoint))
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordFailure(endpoint)
	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb, _ := openBreaker(t, 3, 5*time.Second)
	if err := cb.Allow(endpoint); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if cb.State(endpoint) != StateOpen {
		t.Errorf("expected open, got %s", cb.State(endpoint))
	}
}

func TestAllow_OpenBeforeCooldown_Rejected(t *testing.T) {
	cb, advance := openBreaker(t, 3, 2*time.Minute)
	advance(time.Minute)
	if err := cb.Allow(endpoint); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestAllow_OpenAfterCooldown_HalfOpen(t *testing.T) {
	cb, advance := openBreaker(t, 3, 2*time.Minute)
	advance(2 * time.Minute)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil (trial request allowed), got %v", err)
	}
	if cb.State(endpoint) != StateHalfOpen {
		t.Errorf("expected half_open, got %s", cb.State(endpoint))
	}
	if err := cb.Allow(endpoint); err == nil {
		t.Fatal("expected ErrCircuitOpen while half-open trial request in flight")
	}
}

func TestRecordSuccess_ResetsToClosed(t *testing.T) {
	cb, advance := openBreaker(t, 3, 2*time.Minute)
	advance(3 * time.Minute)
	cb.Allow(endpoint)
	cb.RecordSuccess(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil after reset, got %v", err)
	}

	// A single failure after reset must not reopen.
	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil after one failure, got %v", err)
	}
}

func TestRecordFailure_HalfOpenReOpens(t *testing.T) {
	cb, advance := openBreaker(t, 3, 2*time.Minute)
	advance(2 * time.Minute)
	cb.Allow(endpoint)
	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err == nil {
		t.Fatal("expected ErrCircuitOpen after failed trial request re-open")
	}
}

func TestRecordSuccess_ClosedState_NoOp(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordSuccess(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestIndependentEndpoints(t *testing.T) {
	cb := New(2, 5*time.Second)
	a := "http://a.local/pipelines/p1/trigger"
	b := "http://a.local/pipelines/p2/trigger"
	cb.RecordFailure(a)
	cb.RecordFailure(a)
	if err := cb.Allow(a); err == nil {
		t.Fatal("expected a open")
	}
	if err := cb.Allow(b); err != nil {
		t.Fatalf("expected b allowed, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(7):      "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
