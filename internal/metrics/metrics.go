// Package metrics exposes zigcat's runtime counters via Prometheus,
// grounded on the Describe/Collect custom-Collector pattern in
// runZeroInc-sockstats and runZeroInc-conniver's pkg/exporter/exporter.go
// (TCPInfoCollector) — the only example in the corpus wiring
// github.com/prometheus/client_golang, generalized here from a
// per-connection tcpinfo poller to zigcat's broker/exec-session
// counters.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector gathers the counters and gauges the broker and exec
// sessions update directly; it implements prometheus.Collector itself
// rather than registering a pile of global prometheus.Counter values,
// matching the teacher's TCPInfoCollector shape. Counters are
// atomics: Collect runs on the HTTP server's goroutine, concurrently
// with the single-threaded broker/exec-session loops that increment
// them.
type Collector struct {
	clientsActive     *prometheus.Desc
	clientsTotal      *prometheus.Desc
	bytesRelayed      *prometheus.Desc
	denialsTotal      *prometheus.Desc
	flowLevel         *prometheus.Desc
	execSessionsTotal *prometheus.Desc

	getActiveClients func() float64
	getFlowLevel     func() float64

	clientsTotalCount      atomic.Uint64
	bytesRelayedCount      atomic.Uint64
	denialsTotalCount      atomic.Uint64
	execSessionsTotalCount atomic.Uint64
}

// NewCollector creates a Collector. getActiveClients and getFlowLevel
// are called at scrape time to produce gauge values; the counters are
// incremented directly by broker and execsession call sites.
func NewCollector(getActiveClients, getFlowLevel func() float64) *Collector {
	return &Collector{
		clientsActive: prometheus.NewDesc(
			"zigcat_broker_clients_active", "Current number of connected broker clients.", nil, nil),
		clientsTotal: prometheus.NewDesc(
			"zigcat_broker_clients_total", "Total clients accepted since start.", nil, nil),
		bytesRelayed: prometheus.NewDesc(
			"zigcat_broker_bytes_relayed_total", "Total bytes relayed between clients.", nil, nil),
		denialsTotal: prometheus.NewDesc(
			"zigcat_accesslist_denials_total", "Total connections denied by access control.", nil, nil),
		flowLevel: prometheus.NewDesc(
			"zigcat_broker_flow_level", "Current graduated flow-control level (0=normal..4=emergency).", nil, nil),
		execSessionsTotal: prometheus.NewDesc(
			"zigcat_exec_sessions_total", "Total exec sessions started.", nil, nil),
		getActiveClients: getActiveClients,
		getFlowLevel:     getFlowLevel,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.clientsActive
	descs <- c.clientsTotal
	descs <- c.bytesRelayed
	descs <- c.denialsTotal
	descs <- c.flowLevel
	descs <- c.execSessionsTotal
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	if c.getActiveClients != nil {
		metrics <- prometheus.MustNewConstMetric(c.clientsActive, prometheus.GaugeValue, c.getActiveClients())
	}
	if c.getFlowLevel != nil {
		metrics <- prometheus.MustNewConstMetric(c.flowLevel, prometheus.GaugeValue, c.getFlowLevel())
	}
	metrics <- prometheus.MustNewConstMetric(c.clientsTotal, prometheus.CounterValue, float64(c.clientsTotalCount.Load()))
	metrics <- prometheus.MustNewConstMetric(c.bytesRelayed, prometheus.CounterValue, float64(c.bytesRelayedCount.Load()))
	metrics <- prometheus.MustNewConstMetric(c.denialsTotal, prometheus.CounterValue, float64(c.denialsTotalCount.Load()))
	metrics <- prometheus.MustNewConstMetric(c.execSessionsTotal, prometheus.CounterValue, float64(c.execSessionsTotalCount.Load()))
}

// IncClientsTotal, AddBytesRelayed, IncDenials and IncExecSessions are
// called directly by the broker and execsession call sites that own
// the relevant events (the broker counts access-list denials itself).
func (c *Collector) IncClientsTotal()      { c.clientsTotalCount.Add(1) }
func (c *Collector) AddBytesRelayed(n int) { c.bytesRelayedCount.Add(uint64(n)) }
func (c *Collector) IncDenials()           { c.denialsTotalCount.Add(1) }
func (c *Collector) IncExecSessions()      { c.execSessionsTotalCount.Add(1) }

// ListenAndServe registers c with a fresh registry and serves
// /metrics on addr until the process exits or the HTTP server fails.
func ListenAndServe(addr string, c *Collector) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
