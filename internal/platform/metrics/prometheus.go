// Package metrics exposes the platform's Prometheus instrumentation:
// the HTTP surface plus the workflow-engine and trigger domains. The
// engine itself stays metrics-free; the server main feeds lifecycle
// events into the typed record methods below.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the platform's Prometheus collectors.
type Metrics struct {
	// HTTP surface
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  *prometheus.GaugeVec

	// Engine
	ExecutionsStarted    *prometheus.CounterVec
	ExecutionsFinished   *prometheus.CounterVec
	ExecutionsInFlight   prometheus.Gauge
	NodeTransitionsTotal *prometheus.CounterVec

	// Triggers
	TriggerFiresTotal    *prometheus.CounterVec
	WebhookRequestsTotal *prometheus.CounterVec
	AdmissionQueueDepth  prometheus.Gauge
}

// NewMetrics creates the collectors under one namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPActiveRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
			[]string{"method"},
		),
		ExecutionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Executions the engine has started, by trigger type",
			},
			[]string{"trigger"},
		),
		ExecutionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Executions that reached a terminal state, by status",
			},
			[]string{"status"},
		),
		ExecutionsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_in_flight",
				Help:      "Executions started but not yet terminal",
			},
		),
		NodeTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_transitions_total",
				Help:      "Node lifecycle transitions, by kind (started/completed/failed)",
			},
			[]string{"kind"},
		),
		TriggerFiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_fires_total",
				Help:      "Trigger fires that created an execution, by trigger kind",
			},
			[]string{"kind"},
		),
		WebhookRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_requests_total",
				Help:      "Inbound webhook requests, by response status",
			},
			[]string{"status"},
		),
		AdmissionQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "admission_queue_depth",
				Help:      "Execution starts waiting behind the per-user ceiling",
			},
		),
	}
}

// Register registers every collector with the default registry.
func (m *Metrics) Register() {
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
		m.ExecutionsStarted,
		m.ExecutionsFinished,
		m.ExecutionsInFlight,
		m.NodeTransitionsTotal,
		m.TriggerFiresTotal,
		m.WebhookRequestsTotal,
		m.AdmissionQueueDepth,
	)
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Typed record methods, fed by the server main's engine-event observer.

func (m *Metrics) RecordExecutionStarted(trigger string) {
	m.ExecutionsStarted.WithLabelValues(trigger).Inc()
	m.ExecutionsInFlight.Inc()
}

func (m *Metrics) RecordExecutionFinished(status string) {
	m.ExecutionsFinished.WithLabelValues(status).Inc()
	m.ExecutionsInFlight.Dec()
}

func (m *Metrics) RecordNodeTransition(kind string) {
	m.NodeTransitionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordTriggerFire(kind string) {
	m.TriggerFiresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordWebhookRequest(status int) {
	m.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) SetAdmissionQueueDepth(depth int64) {
	m.AdmissionQueueDepth.Set(float64(depth))
}

// HTTPMetricsMiddleware instruments every request with count, latency,
// and in-flight gauges.
func (m *Metrics) HTTPMetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPActiveRequests.WithLabelValues(r.Method).Inc()
			defer m.HTTPActiveRequests.WithLabelValues(r.Method).Dec()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// responseWriter captures the status code for labeling.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}
