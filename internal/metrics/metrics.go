// Package metrics exposes sandbox usage as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/harunnryd/mpkd/internal/policy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mpkd"

// Collector holds every mpkd metric on its own registry, so several
// runtimes can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	// Sandbox metrics
	ResourceUsage      *prometheus.GaugeVec
	ResourceLimit      *prometheus.GaugeVec
	ResourcePercentage *prometheus.GaugeVec
	Warnings           *prometheus.CounterVec
	Exceeded           *prometheus.CounterVec
	Mitigations        *prometheus.CounterVec
	MonitorTicks       *prometheus.CounterVec
	TickDuration       prometheus.Histogram

	// Application metrics
	AppsLoaded       prometheus.Gauge
	AppsRunning      prometheus.Gauge
	ProcessesTracked prometheus.Gauge
	ProcessFailures  *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		ResourceUsage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resource_usage",
				Help:      "Current usage per app and resource type",
			},
			[]string{"app_id", "resource"},
		),
		ResourceLimit: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resource_limit",
				Help:      "Configured quota per app and resource type, 0 when unbounded",
			},
			[]string{"app_id", "resource"},
		),
		ResourcePercentage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resource_usage_percent",
				Help:      "Usage as a percentage of the quota",
			},
			[]string{"app_id", "resource"},
		),
		Warnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_warnings_total",
				Help:      "Resource warning events emitted",
			},
			[]string{"app_id", "resource"},
		),
		Exceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_exceeded_total",
				Help:      "Resource exceeded events emitted",
			},
			[]string{"app_id", "resource"},
		),
		Mitigations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mitigations_total",
				Help:      "Escalation actions taken",
			},
			[]string{"app_id", "action"},
		),
		MonitorTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_ticks_total",
				Help:      "Completed monitor sampling passes",
			},
			[]string{"app_id"},
		),
		TickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "monitor_tick_duration_seconds",
				Help:      "Time spent in one monitor sampling pass",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),

		AppsLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "apps_loaded",
				Help:      "Number of loaded apps",
			},
		),
		AppsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "apps_running",
				Help:      "Number of running apps",
			},
		),
		ProcessesTracked: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "processes_tracked",
				Help:      "Entries in the process table",
			},
		),
		ProcessFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_failures_total",
				Help:      "Processes that failed to start",
			},
			[]string{"app_id"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
	}
}

// Registry returns the registry every collector is registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveResource records one resource sample.
func (c *Collector) ObserveResource(appID string, rt policy.ResourceType, current, limit, percentage int64) {
	if c == nil {
		return
	}
	c.ResourceUsage.WithLabelValues(appID, string(rt)).Set(float64(current))
	c.ResourceLimit.WithLabelValues(appID, string(rt)).Set(float64(limit))
	c.ResourcePercentage.WithLabelValues(appID, string(rt)).Set(float64(percentage))
}

func (c *Collector) RecordWarning(appID string, rt policy.ResourceType) {
	if c == nil {
		return
	}
	c.Warnings.WithLabelValues(appID, string(rt)).Inc()
}

func (c *Collector) RecordExceeded(appID string, rt policy.ResourceType) {
	if c == nil {
		return
	}
	c.Exceeded.WithLabelValues(appID, string(rt)).Inc()
}

func (c *Collector) RecordMitigation(appID string, action policy.Mitigation) {
	if c == nil {
		return
	}
	c.Mitigations.WithLabelValues(appID, string(action)).Inc()
}

func (c *Collector) RecordTick(appID string, d time.Duration) {
	if c == nil {
		return
	}
	c.MonitorTicks.WithLabelValues(appID).Inc()
	c.TickDuration.Observe(d.Seconds())
}

func (c *Collector) RecordProcessFailure(appID string) {
	if c == nil {
		return
	}
	c.ProcessFailures.WithLabelValues(appID).Inc()
}

// ForgetApp drops every per-app series once an app is unloaded.
func (c *Collector) ForgetApp(appID string) {
	if c == nil {
		return
	}
	labels := prometheus.Labels{"app_id": appID}
	c.ResourceUsage.DeletePartialMatch(labels)
	c.ResourceLimit.DeletePartialMatch(labels)
	c.ResourcePercentage.DeletePartialMatch(labels)
	c.Warnings.DeletePartialMatch(labels)
	c.Exceeded.DeletePartialMatch(labels)
	c.Mitigations.DeletePartialMatch(labels)
	c.MonitorTicks.DeletePartialMatch(labels)
	c.ProcessFailures.DeletePartialMatch(labels)
}

// RecordRequest records one HTTP request.
func (c *Collector) RecordRequest(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
