package obsmetrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// HTTP request metrics, recorded by the central server's HTTPMetricsMiddleware.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RecordsIngestedTotal counts profiling records accepted by the central ingest routes.
	RecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apm_records_ingested_total",
			Help: "Total profiling records accepted by the ingest endpoints.",
		},
		[]string{"source", "transport"},
	)

	// RecordsForwardedTotal is the counter for records shipped to the log
	// aggregator. It is registered, but nothing in this repository increments it.
	RecordsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apm_records_forwarded_total",
			Help: "Total profiling records acknowledged by the log aggregator.",
		},
		[]string{"source"},
	)

	// BreakerStateGauge is the circuit breaker state gauge (0=closed, 1=open,
	// 2=half-open). It is registered, but nothing in this repository sets it.
	BreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apm_circuit_breaker_state",
			Help: "Current circuit breaker state: 0 closed, 1 open, 2 half-open.",
		},
		[]string{"breaker"},
	)

	// QueueDepthGauge is the gauge for the host daemon's in-memory queue
	// occupancy. It is registered, but nothing in this repository sets it.
	QueueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apm_daemon_queue_depth",
			Help: "Current number of records held in the daemon's memory queue.",
		},
	)
)

var initMetricsOnce sync.Once
var registry *prometheus.Registry

// InitMetrics initializes and registers Prometheus metrics.
func InitMetrics() *prometheus.Registry {
	initMetricsOnce.Do(func() {
		registry = prometheus.NewRegistry()

		registry.MustRegister(httpRequestsTotal)
		registry.MustRegister(httpRequestDurationSeconds)
		registry.MustRegister(RecordsIngestedTotal)
		registry.MustRegister(RecordsForwardedTotal)
		registry.MustRegister(BreakerStateGauge)
		registry.MustRegister(QueueDepthGauge)

		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		log.Info().Msg("Prometheus metrics initialized.")
	})
	return registry
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// HTTPMetricsMiddleware collects HTTP request metrics.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lw, r)

		duration := time.Since(start).Seconds()
		method := r.Method
		path := r.URL.Path
		status := strconv.Itoa(lw.statusCode)

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(duration)
	})
}

// loggingResponseWriter is a wrapper to capture the HTTP status code.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// GetMetricsInfo returns current metrics information as a map, used by
// diagnostic JSON endpoints that don't want to parse the Prometheus text format.
func GetMetricsInfo() map[string]interface{} {
	if registry == nil {
		return map[string]interface{}{
			"status": "metrics not initialized",
		}
	}

	metricsInfo := make(map[string]interface{})

	metricFamilies, err := registry.Gather()
	if err != nil {
		log.Error().Err(err).Msg("failed to gather metrics")
		return map[string]interface{}{
			"status": "error gathering metrics",
			"error":  err.Error(),
		}
	}

	httpMetrics := make(map[string]interface{})
	totalRequests := 0.0
	runtimeMetrics := make(map[string]interface{})

	for _, mf := range metricFamilies {
		metricName := mf.GetName()

		switch {
		case strings.HasPrefix(metricName, "http_requests_total"):
			for _, metric := range mf.GetMetric() {
				if metric.Counter != nil {
					totalRequests += metric.Counter.GetValue()
				}
			}
			httpMetrics["total_requests"] = totalRequests

		case strings.HasPrefix(metricName, "go_goroutines"):
			if len(mf.GetMetric()) > 0 && mf.GetMetric()[0].Gauge != nil {
				runtimeMetrics["goroutines"] = int(mf.GetMetric()[0].Gauge.GetValue())
			}

		case strings.HasPrefix(metricName, "go_memstats_alloc_bytes"):
			if len(mf.GetMetric()) > 0 && mf.GetMetric()[0].Gauge != nil {
				runtimeMetrics["allocated_bytes"] = int64(mf.GetMetric()[0].Gauge.GetValue())
			}

		case strings.HasPrefix(metricName, "process_resident_memory_bytes"):
			if len(mf.GetMetric()) > 0 && mf.GetMetric()[0].Gauge != nil {
				runtimeMetrics["resident_memory_bytes"] = int64(mf.GetMetric()[0].Gauge.GetValue())
			}
		}
	}

	metricsInfo["http"] = httpMetrics
	metricsInfo["runtime"] = runtimeMetrics
	metricsInfo["total_metrics_collected"] = len(metricFamilies)

	return metricsInfo
}
