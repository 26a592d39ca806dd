// Package metrics defines the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. All methods accept a nil receiver so
// components can run without instrumentation.
//
// Metrics:
//   - contractlens_model_calls_total{operation,provider,outcome}
//   - contractlens_model_call_duration_seconds{operation,provider}
//   - contractlens_analyses_total{outcome}
//   - contractlens_analysis_duration_seconds
//   - contractlens_dropped_records_total{reason}
//   - contractlens_chat_turns_total{outcome}
//   - contractlens_context_cache_total{result}
//   - contractlens_http_requests_total{method,route,code}
//   - contractlens_http_request_duration_seconds{method,route}
type Metrics struct {
	registry *prometheus.Registry

	ModelCalls       *prometheus.CounterVec
	ModelDuration    *prometheus.HistogramVec
	Analyses         *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	DroppedRecords   *prometheus.CounterVec
	ChatTurns        *prometheus.CounterVec
	ContextCache     *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ModelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contractlens_model_calls_total",
			Help: "Language model invocations by outcome",
		}, []string{"operation", "provider", "outcome"}),
		ModelDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contractlens_model_call_duration_seconds",
			Help:    "Language model call latency",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"operation", "provider"}),
		Analyses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contractlens_analyses_total",
			Help: "Finished document analyses by terminal outcome",
		}, []string{"outcome"}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "contractlens_analysis_duration_seconds",
			Help:    "Wall time from analyzing to a terminal status",
			Buckets: []float64{1, 5, 10, 20, 40, 80, 120, 180},
		}),
		DroppedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contractlens_dropped_records_total",
			Help: "Classifier records rejected during validation",
		}, []string{"reason"}),
		ChatTurns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contractlens_chat_turns_total",
			Help: "Chat turns by outcome",
		}, []string{"outcome"}),
		ContextCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contractlens_context_cache_total",
			Help: "Context block cache lookups",
		}, []string{"result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contractlens_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contractlens_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveModelCall(operation, provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ModelCalls.WithLabelValues(operation, provider, outcome(err)).Inc()
	m.ModelDuration.WithLabelValues(operation, provider).Observe(d.Seconds())
}

// ObserveAnalysis records a terminal analysis. outcome is "done" or the failure reason.
func (m *Metrics) ObserveAnalysis(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Analyses.WithLabelValues(outcome).Inc()
	m.AnalysisDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedRecords.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveChatTurn(err error) {
	if m == nil {
		return
	}
	m.ChatTurns.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ContextCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusText(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
