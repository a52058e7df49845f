// Package metrics holds the Prometheus vectors the request driver, chain
// resolver, balancer and rate limiter record against. Counters are
// registered once at startup on a single *Metrics value shared read-only
// (aside from the counters' own atomic increments) across every request.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every vector this build exports, generalized from
// etalazz-vsa's plain atomic counters into labeled CounterVecs since
// client_golang is already part of this module's dependency graph.
type Metrics struct {
	FilterInvocations  *prometheus.CounterVec
	BalancerSelections *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	ConfigDiagnostics  *prometheus.CounterVec
}

// New builds and registers every vector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FilterInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motya_filter_invocations_total",
			Help: "Filter invocations by FQDN, phase and outcome.",
		}, []string{"fqdn", "phase", "outcome"}),
		BalancerSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motya_balancer_selections_total",
			Help: "Backend selections by service and algorithm.",
		}, []string{"service", "algorithm"}),
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motya_ratelimit_decisions_total",
			Help: "Rate-limit decisions by policy and outcome.",
		}, []string{"policy", "outcome"}),
		ConfigDiagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motya_config_diagnostics_total",
			Help: "Config compiler diagnostics by severity.",
		}, []string{"severity"}),
	}
	reg.MustRegister(m.FilterInvocations, m.BalancerSelections, m.RateLimitDecisions, m.ConfigDiagnostics)
	return m
}

// NewUnregistered builds a Metrics value against a private registry, used
// by tests and by any caller that wants isolated counters without touching
// the default global registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
