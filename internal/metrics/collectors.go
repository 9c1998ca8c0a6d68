package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RuntimeSource exposes live router state to the collector
type RuntimeSource interface {
	ActiveSessions() int
	ProfileCount() int
	RoleCount() int
}

// RuntimeCollector reports gauges computed from in-memory state at scrape time
type RuntimeCollector struct {
	source RuntimeSource

	activeSessions *prometheus.Desc
	profiles       *prometheus.Desc
	roles          *prometheus.Desc
}

// NewRuntimeCollector creates a collector bound to the given source
func NewRuntimeCollector(source RuntimeSource) *RuntimeCollector {
	return &RuntimeCollector{
		source: source,
		activeSessions: prometheus.NewDesc(
			"agentrouter_active_sessions",
			"Collaboration sessions currently active",
			nil, nil,
		),
		profiles: prometheus.NewDesc(
			"agentrouter_model_profiles",
			"Model profiles tracked by the registry",
			nil, nil,
		),
		roles: prometheus.NewDesc(
			"agentrouter_roles",
			"Roles in the current role registry snapshot",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessions
	ch <- c.profiles
	ch <- c.roles
}

// Collect implements prometheus.Collector
func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(c.source.ActiveSessions()))
	ch <- prometheus.MustNewConstMetric(c.profiles, prometheus.GaugeValue, float64(c.source.ProfileCount()))
	ch <- prometheus.MustNewConstMetric(c.roles, prometheus.GaugeValue, float64(c.source.RoleCount()))
}

// RegisterRuntimeCollector registers the runtime collector
func RegisterRuntimeCollector(collector *RuntimeCollector) {
	prometheus.MustRegister(collector)
}
