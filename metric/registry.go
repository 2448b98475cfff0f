package metric

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/tapstream/errors"
)

// MetricsRegistrar registers component collectors. Storage backends take
// one so they can publish their own metrics next to the core set.
type MetricsRegistrar interface {
	Register(component, name string, collector prometheus.Collector) error
	Unregister(component, name string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a new metrics registry with the core tap metrics
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
		Metrics:            NewMetrics(),
	}

	registry.prometheusRegistry.MustRegister(registry.Metrics.collectors()...)
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core tap metrics. It is nil-safe so components can
// run without a registry.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

// Register adds collector under component/name. A second registration of the
// same key, or a collector whose descriptors clash with one already
// registered, is rejected as invalid.
func (r *MetricsRegistry) Register(component, name string, collector prometheus.Collector) error {
	if collector == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "MetricsRegistry", "Register",
			fmt.Sprintf("nil collector %s/%s", component, name))
	}
	key := metricKey(component, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s already registered", errors.ErrInvalidArgument, key),
			"MetricsRegistry", "Register", "check key")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register",
				fmt.Sprintf("descriptor conflict for %s", key))
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", fmt.Sprintf("register %s", key))
	}

	r.registeredMetrics[key] = collector
	return nil
}

// Unregister removes component/name and reports whether it was present.
func (r *MetricsRegistry) Unregister(component, name string) bool {
	key := metricKey(component, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.registeredMetrics[key]
	if !ok || !r.prometheusRegistry.Unregister(c) {
		return false
	}
	delete(r.registeredMetrics, key)
	return true
}

// Registered lists the names registered under component, sorted.
func (r *MetricsRegistry) Registered(component string) []string {
	prefix := component + "/"

	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for key := range r.registeredMetrics {
		if name, ok := strings.CutPrefix(key, prefix); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func metricKey(component, name string) string {
	return component + "/" + name
}
