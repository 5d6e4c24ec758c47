// Package metrics exposes Prometheus instrumentation for the generation
// pipeline. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const DefaultNamespace = "scenegen"

// Collector owns a private registry so several instances can coexist.
type Collector struct {
	registry *prometheus.Registry

	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	scriptRejections *prometheus.CounterVec
	executions       *prometheus.CounterVec
	objectsCreated   prometheus.Counter
	generations      *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the pipeline metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		providerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total number of generation requests sent to providers",
			},
			[]string{"provider", "status"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Provider round trip duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		scriptRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_rejections_total",
				Help:      "Scripts rejected during extraction",
			},
			[]string{"reason"},
		),
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_executions_total",
				Help:      "Script executions by final state",
			},
			[]string{"state"},
		),
		objectsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_created_total",
				Help:      "Objects committed to the scene",
			},
		),
		generations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_total",
				Help:      "Completed generation runs by state and error kind",
			},
			[]string{"state", "error_kind"},
		),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// RecordProviderCall records one provider round trip. status is an HTTP
// status code or an error class such as "timeout".
func (c *Collector) RecordProviderCall(provider, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.providerRequests.WithLabelValues(provider, status).Inc()
	c.providerDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (c *Collector) RecordScriptRejection(reason string) {
	if c == nil {
		return
	}
	c.scriptRejections.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordExecution(state string, created int) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(state).Inc()
	if created > 0 {
		c.objectsCreated.Add(float64(created))
	}
}

func (c *Collector) RecordGeneration(state, errorKind string) {
	if c == nil {
		return
	}
	c.generations.WithLabelValues(state, errorKind).Inc()
}

// Registry exposes the underlying registry for tests and custom exporters.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}
