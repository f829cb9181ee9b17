// Package metrics maintains the prometheus collectors for the node. A single
// value is constructed at startup and handed to the packages that record.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the set of collectors the node reports on.
type Metrics struct {
	registry *prometheus.Registry

	Requests   prometheus.Counter
	Errors     prometheus.Counter
	Panics     prometheus.Counter
	Admissions *prometheus.CounterVec
	Receives   *prometheus.CounterVec
	Pushes     *prometheus.CounterVec
	Coverage   prometheus.Gauge
	Blocks     prometheus.Counter
	Proposals  *prometheus.CounterVec
	Mempool    prometheus.Gauge
}

// New constructs the collectors under the specified namespace and registers
// them with a private registry.
func New(namespace string) *Metrics {
	m := Metrics{
		registry: prometheus.NewRegistry(),

		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of http requests handled.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Number of http requests that returned an error.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_total",
			Help:      "Number of http handlers that panicked.",
		}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission outcomes by status.",
		}, []string{"status"}),
		Receives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_receives_total",
			Help:      "Inbound broadcast pushes by status.",
		}, []string{"status"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_pushes_total",
			Help:      "Outbound broadcast pushes by outcome.",
		}, []string{"outcome"}),
		Coverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_last_success_rate",
			Help:      "Success rate of the last broadcast round.",
		}),
		Blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_proposed_total",
			Help:      "Number of blocks assembled and persisted by this node.",
		}),
		Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposal_checks_total",
			Help:      "Proposal checks by outcome.",
		}, []string{"outcome"}),
		Mempool: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_pending",
			Help:      "Number of pending transactions in the mempool.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests,
		m.Errors,
		m.Panics,
		m.Admissions,
		m.Receives,
		m.Pushes,
		m.Coverage,
		m.Blocks,
		m.Proposals,
		m.Mempool,
	)

	return &m
}

// Handler returns the http handler that exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
