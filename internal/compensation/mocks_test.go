package compensation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/djlord-it/cron-catchup/internal/domain"
)

type cacheResult struct {
	pipelines []domain.Pipeline
	err       error
	panic     bool
}

// mockCache returns scripted results in order, repeating the last one.
type mockCache struct {
	mu      sync.Mutex
	results []cacheResult
	calls   int
}

func (m *mockCache) Pipelines(ctx context.Context) ([]domain.Pipeline, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	var r cacheResult
	if len(m.results) > 0 {
		if idx >= len(m.results) {
			idx = len(m.results) - 1
		}
		r = m.results[idx]
	}
	m.mu.Unlock()

	if r.panic {
		panic("cache exploded")
	}
	return r.pipelines, r.err
}

func (m *mockCache) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockHistory struct {
	mu      sync.Mutex
	records []domain.ExecutionRecord
	err     error
	queries [][]string
}

func (m *mockHistory) LatestExecutions(ctx context.Context, ids []string) ([]domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, append([]string(nil), ids...))
	if m.err != nil {
		return nil, m.err
	}
	return m.records, nil
}

func (m *mockHistory) Queries() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

type mockTriggers struct {
	mu      sync.Mutex
	started []domain.Pipeline
	failFor map[string]bool
}

func (m *mockTriggers) Start(ctx context.Context, pipeline domain.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pipeline.Trigger != nil && m.failFor[pipeline.Trigger.ID] {
		return errors.New("orchestrator unavailable")
	}
	m.started = append(m.started, pipeline)
	return nil
}

func (m *mockTriggers) Started() []domain.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Pipeline(nil), m.started...)
}

type mockMetrics struct {
	mu                 sync.Mutex
	cacheReadFailed    int
	historyQueryFailed int
	evaluationFailed   int
	invocationFailed   int
	compensated        int
	passes             int
	lastEvaluated      int
	lastFired          int
}

func (m *mockMetrics) CacheReadFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheReadFailed++
}

func (m *mockMetrics) HistoryQueryFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyQueryFailed++
}

func (m *mockMetrics) TriggerEvaluationFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluationFailed++
}

func (m *mockMetrics) TriggerInvocationFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invocationFailed++
}

func (m *mockMetrics) TriggerCompensated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensated++
}

func (m *mockMetrics) PassCompleted(_ time.Duration, evaluated, fired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passes++
	m.lastEvaluated = evaluated
	m.lastFired = fired
}

func (m *mockMetrics) snapshot() mockMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mockMetrics{
		cacheReadFailed:    m.cacheReadFailed,
		historyQueryFailed: m.historyQueryFailed,
		evaluationFailed:   m.evaluationFailed,
		invocationFailed:   m.invocationFailed,
		compensated:        m.compensated,
		passes:             m.passes,
		lastEvaluated:      m.lastEvaluated,
		lastFired:          m.lastFired,
	}
}
