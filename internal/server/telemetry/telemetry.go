// Package telemetry exposes the server's Prometheus metrics and the
// HTTP middleware that records them.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_monitor_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "method", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_monitor_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	IngestEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_monitor_ingest_events_total",
		Help: "Events accepted through ingest.",
	})

	IngestRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_monitor_ingest_rejects_total",
		Help: "Ingest rejections by reason label.",
	}, []string{"reason"})

	RecomputeTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_monitor_recompute_timeouts_total",
		Help: "Insight recomputes that exceeded the wall-clock cap.",
	})

	RecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "endpoint_monitor_recompute_duration_seconds",
		Help:    "Insight recompute latency.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
	})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per mux route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		route := req.URL.Path
		if current := mux.CurrentRoute(req); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, req)
		RequestsTotal.WithLabelValues(route, req.Method, strconv.Itoa(recorder.status)).Inc()
		RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the metrics page, optionally guarded by a bearer
// token. An empty token leaves the page open (development only).
func Handler(token string) http.Handler {
	inner := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if token != "" && req.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		inner.ServeHTTP(w, req)
	})
}
