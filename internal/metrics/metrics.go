// Package metrics exposes Prometheus collectors for the API and the
// generation pipeline.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so several instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	generationAttempts  *prometheus.CounterVec
	generationDuration  *prometheus.HistogramVec
	pipelineOutcomes    *prometheus.CounterVec
	creditsDebited      *prometheus.CounterVec
	workerRuns          *prometheus.CounterVec
	realtimeClients     prometheus.Gauge
}

func New(service string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}
	constLabels := prometheus.Labels{"service": service}

	c.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "writgo_http_requests_total",
		Help:        "Total number of HTTP requests",
		ConstLabels: constLabels,
	}, []string{"method", "route", "status"})

	c.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "writgo_http_request_duration_seconds",
		Help:        "HTTP request duration in seconds",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	}, []string{"method", "route"})

	c.generationAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "writgo_generation_attempts_total",
		Help:        "Provider attempts by outcome",
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})

	c.generationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "writgo_generation_attempt_duration_seconds",
		Help:        "Provider attempt latency in seconds",
		Buckets:     []float64{0.5, 1, 2.5, 5, 10, 20, 40, 90},
		ConstLabels: constLabels,
	}, []string{"provider"})

	c.pipelineOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "writgo_pipeline_requests_total",
		Help:        "Generation pipeline requests by kind and outcome",
		ConstLabels: constLabels,
	}, []string{"kind", "outcome"})

	c.creditsDebited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "writgo_credits_debited_total",
		Help:        "Credits debited by artifact kind",
		ConstLabels: constLabels,
	}, []string{"kind"})

	c.workerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "writgo_worker_items_total",
		Help:        "Items handled by background workers",
		ConstLabels: constLabels,
	}, []string{"worker", "outcome"})

	c.realtimeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "writgo_realtime_clients",
		Help:        "Connected websocket clients",
		ConstLabels: constLabels,
	})

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.generationAttempts,
		c.generationDuration,
		c.pipelineOutcomes,
		c.creditsDebited,
		c.workerRuns,
		c.realtimeClients,
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request counts and latency labelled by the mux route
// template, so ids in paths do not explode cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		c.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (c *Collector) ObserveAttempt(provider string, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.generationAttempts.WithLabelValues(provider, outcome).Inc()
	c.generationDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// PipelineOutcome counts a finished pipeline request. outcome is one of
// completed, denied, failed or submitted.
func (c *Collector) PipelineOutcome(kind, outcome string) {
	c.pipelineOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) CreditsDebited(kind string, amount int64) {
	if amount <= 0 {
		return
	}
	c.creditsDebited.WithLabelValues(kind).Add(float64(amount))
}

func (c *Collector) WorkerItem(worker, outcome string) {
	c.workerRuns.WithLabelValues(worker, outcome).Inc()
}

func (c *Collector) SetRealtimeClients(n int) {
	c.realtimeClients.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
