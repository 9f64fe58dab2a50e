// Package metrics is the ambient Prometheus wiring point: the
// counters/histograms the plugin registry, backend selection, and
// operation dispatcher export, constructed once at the composition
// root and threaded into each via its SetMetrics/NewRegistry hook
// rather than each package reaching for a global registry itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors holds every metric this module exports, grouped per
// subsystem.
type Collectors struct {
	// PluginOps counts invocations per (plugin, list-type), alongside
	// each plugin's op_counter.
	PluginOps *prometheus.CounterVec

	// BackendOps counts invocations per (backend, operation).
	BackendOps *prometheus.CounterVec

	// DispatchPhase times each dispatch pipeline phase per phase
	// label, for spotting slow plugins or backends.
	DispatchPhase *prometheus.HistogramVec
}

// New constructs Collectors and registers them against reg. Passing
// prometheus.DefaultRegisterer matches a typical top-level metrics
// registration style.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		PluginOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ldapd",
			Subsystem: "plugin",
			Name:      "operations_total",
			Help:      "Number of times a plugin's hook was invoked, by plugin name and list type.",
		}, []string{"plugin", "type"}),
		BackendOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ldapd",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Number of times a backend entry point was invoked, by backend name and operation.",
		}, []string{"backend", "op"}),
		DispatchPhase: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ldapd",
			Subsystem: "dispatch",
			Name:      "phase_seconds",
			Help:      "Time spent in each dispatch pipeline phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
	}
	reg.MustRegister(c.PluginOps, c.BackendOps, c.DispatchPhase)
	return c
}
