package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/cron-catchup/internal/circuitbreaker"
	"github.com/djlord-it/cron-catchup/internal/domain"
)

const orchestratorURL = "http://orchestrator.local"

// mockRecorder tracks recorded delivery attempts.
type mockRecorder struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
	err      error
}

func (r *mockRecorder) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	return r.err
}

func (r *mockRecorder) getAttempts() []domain.DeliveryAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]domain.DeliveryAttempt, len(r.attempts))
	copy(result, r.attempts)
	return result
}

// mockSender simulates orchestrator responses with configurable results.
type mockSender struct {
	mu       sync.Mutex
	results  []TriggerResult
	index    int
	calls    int
	requests []TriggerRequest
}

func (s *mockSender) Send(ctx context.Context, req TriggerRequest) TriggerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	if s.index < len(s.results) {
		result := s.results[s.index]
		s.index++
		return result
	}
	// Default: success
	return TriggerResult{StatusCode: 200, Duration: 10 * time.Millisecond}
}

func (s *mockSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *mockSender) lastRequest() TriggerRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

// mockDispatcherMetrics tracks calls to MetricsSink methods.
type mockDispatcherMetrics struct {
	mu                    sync.Mutex
	attemptCompletedCalls []string
	outcomeCalls          []string
	retryCalls            []bool
	inFlightIncr          int
	inFlightDecr          int
}

func (m *mockDispatcherMetrics) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attemptCompletedCalls = append(m.attemptCompletedCalls, statusClass)
}

func (m *mockDispatcherMetrics) DeliveryOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomeCalls = append(m.outcomeCalls, outcome)
}

func (m *mockDispatcherMetrics) RetryAttempt(retryable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCalls = append(m.retryCalls, retryable)
}

func (m *mockDispatcherMetrics) EventsInFlightIncr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlightIncr++
}

func (m *mockDispatcherMetrics) EventsInFlightDecr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlightDecr++
}

// mockAnalyticsSink tracks analytics calls.
type mockAnalyticsSink struct {
	mu    sync.Mutex
	calls int
}

func (m *mockAnalyticsSink) Record(ctx context.Context, event domain.TriggerEvent, config domain.AnalyticsConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
}

func newTestEvent() domain.TriggerEvent {
	firedAt := time.Date(2024, 3, 15, 18, 45, 3, 0, time.UTC)
	return domain.TriggerEvent{
		ID:             uuid.New(),
		PipelineID:     "p1",
		PipelineName:   "nightly-invoices",
		Application:    "billing",
		TriggerID:      "cron-1",
		CronExpression: "0 */10 * * * ?",
		FiredAt:        firedAt,
		IdempotencyKey: IdempotencyKey("p1", "cron-1", firedAt),
	}
}

func disp(recorder *mockRecorder, sender *mockSender) *Dispatcher {
	d := New(Config{OrchestratorURL: orchestratorURL, Secret: "s3cret", Timeout: 10 * time.Second}, recorder, sender)
	d.backoff = []time.Duration{0, 0, 0, 0}
	return d
}

func TestDispatcher_SuccessOnFirstAttempt(t *testing.T) {
	recorder := &mockRecorder{}
	sender := &mockSender{results: []TriggerResult{{StatusCode: 202, Duration: 10 * time.Millisecond}}}
	event := newTestEvent()

	if err := disp(recorder, sender).Dispatch(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sender.callCount() != 1 {
		t.Errorf("expected 1 orchestrator call, got %d", sender.callCount())
	}

	req := sender.lastRequest()
	if req.URL != orchestratorURL+"/pipelines/p1/trigger" {
		t.Errorf("URL = %q", req.URL)
	}
	if req.Secret != "s3cret" || req.Timeout != 10*time.Second {
		t.Errorf("unexpected secret/timeout: %q %s", req.Secret, req.Timeout)
	}
	if req.AttemptID == "" {
		t.Error("attempt id should be set")
	}

	p := req.Payload
	if p.EventID != event.ID.String() || p.PipelineID != "p1" || p.Application != "billing" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if p.Trigger.ID != "cron-1" || p.Trigger.Type != "cron" || !p.Trigger.Compensated {
		t.Errorf("unexpected trigger detail: %+v", p.Trigger)
	}
	if p.FiredAt != "2024-03-15T18:45:03Z" {
		t.Errorf("FiredAt = %q", p.FiredAt)
	}
	if p.IdempotencyKey != event.IdempotencyKey {
		t.Errorf("IdempotencyKey = %q, want %q", p.IdempotencyKey, event.IdempotencyKey)
	}

	attempts := recorder.getAttempts()
	if len(attempts) != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", len(attempts))
	}
	a := attempts[0]
	if a.EventID != event.ID || a.Attempt != 1 || a.PipelineID != "p1" || a.TriggerID != "cron-1" || a.StatusCode != 202 {
		t.Errorf("unexpected attempt record: %+v", a)
	}
	if a.ID.String() != req.AttemptID {
		t.Errorf("attempt record id %s does not match request %s", a.ID, req.AttemptID)
	}
}

// TestDispatcher_RetryBounded verifies that retry attempts are bounded
// to exactly maxAttempts (4).
func TestDispatcher_RetryBounded(t *testing.T) {
	recorder := &mockRecorder{}
	sender := &mockSender{results: []TriggerResult{
		{StatusCode: 500},
		{StatusCode: 500},
		{StatusCode: 500},
		{StatusCode: 500},
		{StatusCode: 500}, // Should never reach this
	}}

	err := disp(recorder, sender).Dispatch(context.Background(), newTestEvent())
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	if sender.callCount() != 4 {
		t.Errorf("expected exactly 4 orchestrator calls, got %d", sender.callCount())
	}
	if n := len(recorder.getAttempts()); n != 4 {
		t.Errorf("expected exactly 4 delivery attempts, got %d", n)
	}
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	recorder := &mockRecorder{}
	sender := &mockSender{results: []TriggerResult{
		{Error: errors.New("dial tcp: connection refused")},
		{StatusCode: 503},
		{StatusCode: 200},
	}}
	metrics := &mockDispatcherMetrics{}

	d := disp(recorder, sender).WithMetrics(metrics)
	if err := d.Dispatch(context.Background(), newTestEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	attempts := recorder.getAttempts()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	if attempts[0].Error == "" {
		t.Error("first attempt should record the transport error")
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempt %d numbered %d", i+1, a.Attempt)
		}
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	want := []string{"connection_error", "5xx", "2xx"}
	for i, w := range want {
		if metrics.attemptCompletedCalls[i] != w {
			t.Errorf("attempt %d status class = %q, want %q", i+1, metrics.attemptCompletedCalls[i], w)
		}
	}
	if len(metrics.retryCalls) != 2 {
		t.Errorf("RetryAttempt calls = %d, want 2", len(metrics.retryCalls))
	}
	if len(metrics.outcomeCalls) != 1 || metrics.outcomeCalls[0] != "success" {
		t.Errorf("DeliveryOutcome calls = %v, want [success]", metrics.outcomeCalls)
	}
}

// TestDispatcher_NonRetryableStopsImmediately verifies that a 4xx other than
// 429 is not retried.
func TestDispatcher_NonRetryableStopsImmediately(t *testing.T) {
	recorder := &mockRecorder{}
	sender := &mockSender{results: []TriggerResult{{StatusCode: 404}}}

	err := disp(recorder, sender).Dispatch(context.Background(), newTestEvent())
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if sender.callCount() != 1 {
		t.Errorf("expected 1 call for non-retryable status, got %d", sender.callCount())
	}
}

func TestDispatcher_429IsRetryable(t *testing.T) {
	recorder := &mockRecorder{}
	sender := &mockSender{results: []TriggerResult{{StatusCode: 429}, {StatusCode: 200}}}

	if err := disp(recorder, sender).Dispatch(context.Background(), newTestEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.callCount() != 2 {
		t.Errorf("expected 2 calls, got %d", sender.callCount())
	}
}

func TestDispatcher_RecorderFailureDoesNotAbort(t *testing.T) {
	recorder := &mockRecorder{err: errors.New("db down")}
	sender := &mockSender{results: []TriggerResult{{StatusCode: 200}}}

	if err := disp(recorder, sender).Dispatch(context.Background(), newTestEvent()); err != nil {
		t.Fatalf("recording failures must not fail delivery: %v", err)
	}
}

func TestDispatcher_NilRecorder(t *testing.T) {
	sender := &mockSender{results: []TriggerResult{{StatusCode: 200}}}
	d := New(Config{OrchestratorURL: orchestratorURL}, nil, sender)

	if err := d.Dispatch(context.Background(), newTestEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDispatcher_CancelledDuringBackoff(t *testing.T) {
	recorder := &mockRecorder{}
	sender := &mockSender{results: []TriggerResult{{StatusCode: 500}}}
	metrics := &mockDispatcherMetrics{}

	d := New(Config{OrchestratorURL: orchestratorURL}, recorder, sender).WithMetrics(metrics)
	d.backoff = []time.Duration{0, time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for sender.callCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := d.Dispatch(ctx, newTestEvent())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.outcomeCalls) != 1 || metrics.outcomeCalls[0] != "abandoned" {
		t.Errorf("DeliveryOutcome calls = %v, want [abandoned]", metrics.outcomeCalls)
	}
}

func TestDispatcher_CircuitBreakerOpens(t *testing.T) {
	recorder := &mockRecorder{}
	sender := &mockSender{results: []TriggerResult{
		{StatusCode: 502}, {StatusCode: 502}, {StatusCode: 502}, {StatusCode: 502},
	}}
	metrics := &mockDispatcherMetrics{}
	cb := circuitbreaker.New(2, time.Hour)

	d := disp(recorder, sender).WithCircuitBreaker(cb).WithMetrics(metrics)

	err := d.Dispatch(context.Background(), newTestEvent())
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if sender.callCount() != 2 {
		t.Errorf("expected breaker to stop after 2 calls, got %d", sender.callCount())
	}

	// Another pipeline uses a different endpoint.
	other := newTestEvent()
	other.PipelineID = "p2"
	_ = d.Dispatch(context.Background(), other)
	if sender.callCount() != 4 {
		t.Errorf("expected p2 to be attempted independently, got %d total calls", sender.callCount())
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.attemptCompletedCalls[2] != "circuit_open" {
		t.Errorf("expected circuit_open status class, got %v", metrics.attemptCompletedCalls)
	}
	if metrics.outcomeCalls[0] != "abandoned" {
		t.Errorf("expected abandoned outcome, got %v", metrics.outcomeCalls)
	}
}

func TestDispatcher_CircuitBreakerClosesOnSuccess(t *testing.T) {
	sender := &mockSender{results: []TriggerResult{{StatusCode: 500}, {StatusCode: 200}}}
	cb := circuitbreaker.New(2, time.Hour)

	d := disp(&mockRecorder{}, sender).WithCircuitBreaker(cb)
	if err := d.Dispatch(context.Background(), newTestEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s := cb.State(orchestratorURL + "/pipelines/p1/trigger"); s != circuitbreaker.StateClosed {
		t.Errorf("expected closed breaker, got %s", s)
	}
}

func TestDispatcher_Analytics(t *testing.T) {
	tests := []struct {
		name      string
		enabled   bool
		wantCalls int
	}{
		{"enabled", true, 1},
		{"disabled", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analytics := &mockAnalyticsSink{}
			sender := &mockSender{results: []TriggerResult{{StatusCode: 404}}}
			d := New(Config{
				OrchestratorURL: orchestratorURL,
				Analytics:       domain.AnalyticsConfig{Enabled: tt.enabled, Window: time.Hour, Retention: 24 * time.Hour},
			}, &mockRecorder{}, sender).WithAnalytics(analytics)

			_ = d.Dispatch(context.Background(), newTestEvent())

			analytics.mu.Lock()
			defer analytics.mu.Unlock()
			if analytics.calls != tt.wantCalls {
				t.Errorf("analytics Record calls = %d, want %d", analytics.calls, tt.wantCalls)
			}
		})
	}
}

func TestDispatcher_InFlightMetrics(t *testing.T) {
	metrics := &mockDispatcherMetrics{}
	d := disp(&mockRecorder{}, &mockSender{}).WithMetrics(metrics)

	_ = d.Dispatch(context.Background(), newTestEvent())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.inFlightIncr != 1 || metrics.inFlightDecr != 1 {
		t.Errorf("in-flight incr/decr = %d/%d, want 1/1", metrics.inFlightIncr, metrics.inFlightDecr)
	}
}

func TestDispatcher_RunDrainsOnShutdown(t *testing.T) {
	sender := &mockSender{}
	d := disp(&mockRecorder{}, sender)

	ch := make(chan domain.TriggerEvent, 3)
	for i := 0; i < 3; i++ {
		ch <- newTestEvent()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if sender.callCount() != 3 {
		t.Errorf("expected buffered events to be delivered, got %d calls", sender.callCount())
	}
}

func TestDispatcher_BackoffSchedule(t *testing.T) {
	expected := []time.Duration{0, 5 * time.Second, 30 * time.Second, 2 * time.Minute}

	if len(defaultBackoff) != len(expected) {
		t.Fatalf("defaultBackoff length = %d, want %d", len(defaultBackoff), len(expected))
	}
	for i, want := range expected {
		if defaultBackoff[i] != want {
			t.Errorf("defaultBackoff[%d] = %v, want %v", i, defaultBackoff[i], want)
		}
	}
	if maxAttempts != 4 {
		t.Errorf("maxAttempts = %d, want 4", maxAttempts)
	}
}

func TestNew_DefaultDrainTimeout(t *testing.T) {
	d := New(Config{}, nil, &mockSender{})
	if d.config.DrainTimeout != DefaultDrainTimeout {
		t.Errorf("DrainTimeout = %s, want %s", d.config.DrainTimeout, DefaultDrainTimeout)
	}
}

func TestTriggerResult_IsSuccess(t *testing.T) {
	tests := []struct {
		result TriggerResult
		want   bool
	}{
		{TriggerResult{StatusCode: 200}, true},
		{TriggerResult{StatusCode: 204}, true},
		{TriggerResult{StatusCode: 299}, true},
		{TriggerResult{StatusCode: 301}, false},
		{TriggerResult{StatusCode: 404}, false},
		{TriggerResult{StatusCode: 500}, false},
		{TriggerResult{StatusCode: 200, Error: errors.New("x")}, false},
	}
	for _, tt := range tests {
		if got := tt.result.IsSuccess(); got != tt.want {
			t.Errorf("IsSuccess(%d, %v) = %v, want %v", tt.result.StatusCode, tt.result.Error, got, tt.want)
		}
	}
}

func TestTriggerResult_IsRetryable(t *testing.T) {
	tests := []struct {
		result TriggerResult
		want   bool
	}{
		{TriggerResult{Error: errors.New("timeout")}, true},
		{TriggerResult{StatusCode: 429}, true},
		{TriggerResult{StatusCode: 500}, true},
		{TriggerResult{StatusCode: 503}, true},
		{TriggerResult{StatusCode: 400}, false},
		{TriggerResult{StatusCode: 409}, false},
	}
	for _, tt := range tests {
		if got := tt.result.IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%d, %v) = %v, want %v", tt.result.StatusCode, tt.result.Error, got, tt.want)
		}
	}
}
