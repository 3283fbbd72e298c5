// Package metrics exposes the service's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provisioning outcomes.
const (
	ProvisionCreated  = "created"
	ProvisionExisting = "existing"
	ProvisionRejected = "rejected"
)

type Metrics struct {
	registry *prometheus.Registry

	decisions *prometheus.CounterVec
	provision *prometheus.CounterVec
	upstream  *prometheus.CounterVec
}

// New registers the counters on a fresh registry along with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gened_credential_decisions_total",
			Help: "Credential resolutions by source and denial.",
		}, []string{"source", "denial"}),
		provision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gened_provision_total",
			Help: "LTI provisioning attempts by outcome.",
		}, []string{"outcome"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gened_upstream_failures_total",
			Help: "Failed completion requests by failure kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.decisions,
		m.provision,
		m.upstream,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Decision(source, denial string) {
	m.decisions.WithLabelValues(source, denial).Inc()
}

func (m *Metrics) Provisioned(outcome string) {
	m.provision.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UpstreamFailure(kind string) {
	m.upstream.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
