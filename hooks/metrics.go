package hooks

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

// MetricsHook counts and times queries by statement kind, table and model
type MetricsHook struct {
	queryDuration *prometheus.HistogramVec
	queryTotal    *prometheus.CounterVec
	queryErrors   *prometheus.CounterVec
}

// NewMetricsHook creates a new metrics hook and registers collectors
func NewMetricsHook(registry prometheus.Registerer) (*MetricsHook, error) {
	h := &MetricsHook{}
	var err error

	h.queryDuration, err = register(registry, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelkit_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "table", "model"},
	))
	if err != nil {
		return nil, err
	}
	h.queryTotal, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelkit_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "table", "model"},
	))
	if err != nil {
		return nil, err
	}
	h.queryErrors, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelkit_query_errors_total",
			Help: "Total number of database query errors",
		},
		[]string{"operation", "table", "model"},
	))
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *MetricsHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *MetricsHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime).Seconds()
	labels := []string{OperationType(event.Query), QueryTable(event), ""}
	if op, ok := OperationFrom(ctx); ok {
		labels[2] = op.Model
	}

	h.queryDuration.WithLabelValues(labels...).Observe(duration)
	h.queryTotal.WithLabelValues(labels...).Inc()

	if event.Err != nil {
		h.queryErrors.WithLabelValues(labels...).Inc()
	}
}

// RegistryMetrics counts model registrations and mappings
type RegistryMetrics struct {
	registered *prometheus.CounterVec
	mapped     *prometheus.CounterVec
	finalize   prometheus.Histogram
}

// NewRegistryMetrics registers the model registry collectors
func NewRegistryMetrics(registry prometheus.Registerer) (*RegistryMetrics, error) {
	m := &RegistryMetrics{}
	var err error

	m.registered, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelkit_models_registered_total",
			Help: "Total number of models registered, by initial state",
		},
		[]string{"state"},
	))
	if err != nil {
		return nil, err
	}
	m.mapped, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelkit_models_mapped_total",
			Help: "Total number of models handed to the mapper",
		},
		[]string{"result"},
	))
	if err != nil {
		return nil, err
	}
	m.finalize, err = register(registry, prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelkit_finalize_duration_seconds",
			Help:    "Duration of registry finalization in seconds",
			Buckets: prometheus.DefBuckets,
		},
	))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Registered counts a model registration in state
func (m *RegistryMetrics) Registered(state string) {
	if m == nil {
		return
	}
	m.registered.WithLabelValues(state).Inc()
}

// Mapped counts a mapper call
func (m *RegistryMetrics) Mapped(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mapped.WithLabelValues(result).Inc()
}

// Finalized observes a finalize pass that started at start
func (m *RegistryMetrics) Finalized(start time.Time) {
	if m == nil {
		return
	}
	m.finalize.Observe(time.Since(start).Seconds())
}

// register registers c, or returns the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](registry prometheus.Registerer, c C) (C, error) {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return c, err
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return c, err
		}
		return existing, nil
	}
	return c, nil
}
