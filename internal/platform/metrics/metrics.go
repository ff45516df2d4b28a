// Package metrics exposes Prometheus metrics on a private registry: HTTP
// request counters, business counters for consent rendering, uploads and
// billing summaries, and host CPU / memory gauges.
package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/middleware"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpInFlight    prometheus.Gauge
	consentRenders  *prometheus.CounterVec
	blobUploads     *prometheus.CounterVec
	timingSummaries *prometheus.CounterVec
	jobsProcessed   *prometheus.CounterVec
	phiAccess       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_active_requests",
			Help: "Number of HTTP requests being served",
		}),
		consentRenders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_renders_total",
			Help: "Consent PDF renders by result",
		}, []string{"result"}),
		blobUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blob_uploads_total",
			Help: "Object storage uploads by result",
		}, []string{"result"}),
		timingSummaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timing_summaries_total",
			Help: "Billing minute summaries served by endpoint",
		}, []string{"endpoint"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Background jobs handled by kind and result",
		}, []string{"kind", "result"}),
		phiAccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phi_access_total",
			Help: "Audited API accesses by resource type and action",
		}, []string{"resource_type", "action"}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		m.consentRenders,
		m.blobUploads,
		m.timingSummaries,
		m.jobsProcessed,
		m.phiAccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request count and latency labelled by route pattern.
func (m *Metrics) Middleware(skip func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c) {
				return next(c)
			}
			m.httpInFlight.Inc()
			start := time.Now()

			err := next(c)

			m.httpInFlight.Dec()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(statusOf(c, err))
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, status).Inc()
			m.httpDuration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperr.Status(err)
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

func (m *Metrics) ConsentRendered(ok bool) {
	m.consentRenders.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) BlobUploaded(ok bool) {
	m.blobUploads.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) TimingSummary(endpoint string) {
	m.timingSummaries.WithLabelValues(endpoint).Inc()
}

// JobObserver matches jobs.Observer.
func (m *Metrics) JobObserver(kind string, err error) {
	m.jobsProcessed.WithLabelValues(kind, result(err == nil)).Inc()
}

// RecordAccess counts audited requests. It satisfies middleware.AuditRecorder
// so it can be chained with the database access log.
func (m *Metrics) RecordAccess(_ context.Context, entry middleware.AuditEntry) error {
	m.phiAccess.WithLabelValues(entry.ResourceType, entry.Action).Inc()
	return nil
}
