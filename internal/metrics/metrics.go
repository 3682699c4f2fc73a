// Package metrics collects and exposes Prometheus metrics for finit.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all finit-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Supervisor state.
	Runlevel  prometheus.Gauge
	StateCode prometheus.Gauge

	// Configuration core.
	ConfigReloadTotal      prometheus.Counter
	ConfigReloadErrorTotal prometheus.Counter
	ChangesPending         prometheus.Gauge

	// Tables.
	Services *prometheus.GaugeVec
	TTYs     prometheus.Gauge

	BuildInfo *prometheus.GaugeVec
}

// New creates and registers all finit metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		Runlevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finit_runlevel",
			Help: "Current runlevel of the system.",
		}),

		StateCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finit_sm_state",
			Help: "Current supervisor state machine state (numeric state code).",
		}),

		ConfigReloadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finit_config_reload_total",
			Help: "Total number of full configuration reloads.",
		}),

		ConfigReloadErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finit_config_reload_error_total",
			Help: "Total number of configuration reloads that reported errors.",
		}),

		ChangesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finit_config_changes_pending",
			Help: "Fragments changed on disk since the last reload.",
		}),

		Services: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finit_services",
				Help: "Registered services by kind.",
			},
			[]string{"kind"},
		),

		TTYs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finit_ttys",
			Help: "Registered TTYs.",
		}),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finit_build_info",
				Help: "Build metadata, value is always 1.",
			},
			[]string{"version", "commit"},
		),
	}

	reg.MustRegister(
		c.Runlevel,
		c.StateCode,
		c.ConfigReloadTotal,
		c.ConfigReloadErrorTotal,
		c.ChangesPending,
		c.Services,
		c.TTYs,
		c.BuildInfo,
	)

	return c
}

// Handler returns the HTTP handler exposing the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo records the running build.
func (c *Collector) SetBuildInfo(version, commit string) {
	c.BuildInfo.WithLabelValues(version, commit).Set(1)
}
