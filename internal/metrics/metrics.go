package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestOutcome captures how a proxied request was answered.
type RequestOutcome string

const (
	// RequestHit indicates a fresh stored response answered the request.
	RequestHit RequestOutcome = "hit"
	// RequestStale indicates a stale-but-servable stored response answered the request.
	RequestStale RequestOutcome = "stale"
	// RequestMiss indicates the request waited for an origin fetch.
	RequestMiss RequestOutcome = "miss"
	// RequestPassthrough indicates the request bypassed the cache actors.
	RequestPassthrough RequestOutcome = "passthrough"
	// RequestError indicates the request could not be answered.
	RequestError RequestOutcome = "error"
)

// FetchTrigger identifies why an origin fetch happened.
type FetchTrigger string

const (
	// FetchRequest marks fetches made on behalf of a waiting client.
	FetchRequest FetchTrigger = "request"
	// FetchRefresh marks explicitly requested refreshes.
	FetchRefresh FetchTrigger = "refresh"
	// FetchAlarm marks background refreshes started by an alarm.
	FetchAlarm FetchTrigger = "alarm"
)

// FetchResult captures the outcome of an origin fetch.
type FetchResult string

const (
	// FetchOK indicates a 2xx origin response.
	FetchOK FetchResult = "ok"
	// FetchStatus indicates the origin answered with a non-2xx status.
	FetchStatus FetchResult = "status"
	// FetchTransport indicates the origin could not be reached.
	FetchTransport FetchResult = "transport"
)

// AlarmResult captures what an alarm firing did.
type AlarmResult string

const (
	// AlarmRefreshed indicates the background refresh stored a new record.
	AlarmRefreshed AlarmResult = "refreshed"
	// AlarmFailed indicates the background refresh failed and the old record was kept.
	AlarmFailed AlarmResult = "failed"
	// AlarmSkipped indicates a spurious or duplicate firing.
	AlarmSkipped AlarmResult = "skipped"
	// AlarmMissing indicates the actor had no record to refresh.
	AlarmMissing AlarmResult = "missing"
)

// StoreOperation identifies the record backend method being instrumented.
type StoreOperation string

const (
	StoreLoad   StoreOperation = "load"
	StoreSave   StoreOperation = "save"
	StoreDelete StoreOperation = "delete"
	StoreKeys   StoreOperation = "keys"
)

// Recorder publishes Prometheus metrics for proxy activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	originFetches *prometheus.CounterVec
	originLatency *prometheus.HistogramVec

	alarms      *prometheus.CounterVec
	alarmClamps prometheus.Counter
	actors      prometheus.Gauge

	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxystore",
		Name:      "requests_total",
		Help:      "Proxied requests by route and outcome.",
	}, []string{"route", "outcome", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxystore",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for proxied requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "outcome"})

	originFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxystore",
		Subsystem: "origin",
		Name:      "fetches_total",
		Help:      "Origin fetches by trigger and result.",
	}, []string{"trigger", "result"})

	originLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxystore",
		Subsystem: "origin",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for origin fetches.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"trigger", "result"})

	alarms := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxystore",
		Name:      "alarms_total",
		Help:      "Alarm firings by result.",
	}, []string{"result"})

	alarmClamps := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxystore",
		Name:      "alarm_clamps_total",
		Help:      "Refresh intervals raised to the minimum alarm interval.",
	})

	actors := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxystore",
		Name:      "actors",
		Help:      "Cache actors currently held in the directory.",
	})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxystore",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Record backend operations.",
	}, []string{"backend", "operation", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxystore",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for record backend operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"backend", "operation", "result"})

	reg.MustRegister(requests, requestLatency, originFetches, originLatency, alarms, alarmClamps, actors, storeOperations, storeLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		requests:        requests,
		requestLatency:  requestLatency,
		originFetches:   originFetches,
		originLatency:   originLatency,
		alarms:          alarms,
		alarmClamps:     alarmClamps,
		actors:          actors,
		storeOperations: storeOperations,
		storeLatency:    storeLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency of a proxied request.
func (r *Recorder) ObserveRequest(route string, outcome RequestOutcome, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	outcomeLabel := normalizeLabel(string(outcome))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(routeLabel, outcomeLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(routeLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveOriginFetch records one origin round trip.
func (r *Recorder) ObserveOriginFetch(trigger FetchTrigger, result FetchResult, duration time.Duration) {
	if r == nil {
		return
	}
	triggerLabel := normalizeLabel(string(trigger))
	resultLabel := normalizeLabel(string(result))
	r.originFetches.WithLabelValues(triggerLabel, resultLabel).Inc()
	r.originLatency.WithLabelValues(triggerLabel, resultLabel).Observe(duration.Seconds())
}

// ObserveAlarm records what an alarm firing did.
func (r *Recorder) ObserveAlarm(result AlarmResult) {
	if r == nil {
		return
	}
	r.alarms.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObserveAlarmClamp counts a refresh interval raised to the alarm floor.
func (r *Recorder) ObserveAlarmClamp() {
	if r == nil {
		return
	}
	r.alarmClamps.Inc()
}

// SetActors publishes the directory size.
func (r *Recorder) SetActors(n int) {
	if r == nil {
		return
	}
	r.actors.Set(float64(n))
}

// ObserveStore records a record backend operation. A nil err counts as "ok".
func (r *Recorder) ObserveStore(backend string, operation StoreOperation, err error, duration time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	backendLabel := normalizeLabel(backend)
	opLabel := normalizeLabel(string(operation))
	r.storeOperations.WithLabelValues(backendLabel, opLabel, result).Inc()
	r.storeLatency.WithLabelValues(backendLabel, opLabel, result).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
