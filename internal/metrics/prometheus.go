package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/djlord-it/cron-catchup/internal/log"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Compensation metrics
	errorsTotal        *prometheus.CounterVec
	triggersFiredTotal prometheus.Counter
	triggersEvaluated  prometheus.Counter
	passesTotal        prometheus.Counter
	passDuration       prometheus.Histogram

	// Cache metrics
	cacheRefreshesTotal     prometheus.Counter
	cacheRefreshErrorsTotal prometheus.Counter
	cachePipelines          prometheus.Gauge

	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	requestDuration       prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	eventsInFlight        prometheus.Gauge

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Leader election metrics
	isLeader            prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initCompensationMetrics(reg)
	s.initCacheMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initCompensationMetrics(reg prometheus.Registerer) {
	s.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catchup_compensation_errors_total",
		Help: "Total number of compensation errors by kind.",
	}, []string{"kind"})
	s.triggersFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catchup_compensation_triggers_fired_total",
		Help: "Total number of missed cron triggers re-fired.",
	})
	s.triggersEvaluated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catchup_compensation_triggers_evaluated_total",
		Help: "Total number of cron triggers evaluated for missed executions.",
	})
	s.passesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catchup_compensation_passes_total",
		Help: "Total number of completed compensation passes.",
	})
	s.passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "catchup_compensation_pass_duration_seconds",
		Help:    "Duration of the evaluation phase of a compensation pass in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	s.register(reg, s.errorsTotal, "catchup_compensation_errors_total")
	s.register(reg, s.triggersFiredTotal, "catchup_compensation_triggers_fired_total")
	s.register(reg, s.triggersEvaluated, "catchup_compensation_triggers_evaluated_total")
	s.register(reg, s.passesTotal, "catchup_compensation_passes_total")
	s.register(reg, s.passDuration, "catchup_compensation_pass_duration_seconds")
}

func (s *PrometheusSink) initCacheMetrics(reg prometheus.Registerer) {
	s.cacheRefreshesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catchup_cache_refreshes_total",
		Help: "Total number of pipeline cache refreshes.",
	})
	s.cacheRefreshErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catchup_cache_refresh_errors_total",
		Help: "Total number of failed pipeline cache refreshes.",
	})
	s.cachePipelines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catchup_cache_pipelines",
		Help: "Number of pipelines in the last successful cache snapshot.",
	})

	s.register(reg, s.cacheRefreshesTotal, "catchup_cache_refreshes_total")
	s.register(reg, s.cacheRefreshErrorsTotal, "catchup_cache_refresh_errors_total")
	s.register(reg, s.cachePipelines, "catchup_cache_pipelines")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catchup_dispatcher_delivery_attempts_total",
		Help: "Total number of trigger delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catchup_dispatcher_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per trigger event.",
	}, []string{"outcome"})

	s.requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "catchup_dispatcher_request_duration_seconds",
		Help:    "Orchestrator request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catchup_dispatcher_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catchup_dispatcher_events_in_flight",
		Help: "Number of trigger events currently being delivered.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "catchup_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "catchup_dispatcher_delivery_outcomes_total")
	s.register(reg, s.requestDuration, "catchup_dispatcher_request_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "catchup_dispatcher_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "catchup_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catchup_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catchup_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catchup_eventbus_buffer_saturation",
		Help: "Fraction of the event bus buffer in use (0-1).",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catchup_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "catchup_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "catchup_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "catchup_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "catchup_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catchup_leader_is_leader",
		Help: "1 if this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catchup_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catchup_leader_lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "catchup_leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "catchup_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "catchup_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Str("metric", name).Msg("failed to register collector")
	}
}

// Compensation metrics implementation

func (s *PrometheusSink) CacheReadFailed() {
	s.errorsTotal.WithLabelValues(ErrorKindCacheRead).Inc()
}

func (s *PrometheusSink) HistoryQueryFailed() {
	s.errorsTotal.WithLabelValues(ErrorKindHistoryQuery).Inc()
}

func (s *PrometheusSink) TriggerEvaluationFailed() {
	s.errorsTotal.WithLabelValues(ErrorKindEvaluation).Inc()
}

func (s *PrometheusSink) TriggerInvocationFailed() {
	s.errorsTotal.WithLabelValues(ErrorKindInvocation).Inc()
}

func (s *PrometheusSink) TriggerCompensated() {
	s.triggersFiredTotal.Inc()
}

func (s *PrometheusSink) PassCompleted(duration time.Duration, evaluated, fired int) {
	s.passesTotal.Inc()
	s.passDuration.Observe(duration.Seconds())
	s.triggersEvaluated.Add(float64(evaluated))
}

// Cache metrics implementation

func (s *PrometheusSink) CacheRefreshed(pipelines int, err error) {
	s.cacheRefreshesTotal.Inc()
	if err != nil {
		s.cacheRefreshErrorsTotal.Inc()
		return
	}
	s.cachePipelines.Set(float64(pipelines))
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.requestDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
