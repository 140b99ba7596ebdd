// Package metrics exposes the RELDAT engine's protocol-level counters as
// Prometheus metrics, modeled on the Describe/Collect collector pattern
// used for per-socket kernel stats in the retrieved go-tcpinfo exporter.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks connection lifecycle and loss-recovery counters for a
// single RELDAT server. It implements prometheus.Collector so it can be
// registered directly with a registry.
type Collector struct {
	mu sync.Mutex

	connectionsTotal  uint64
	activeConnections uint64
	retransmitsTotal  uint64
	abortsTotal       uint64
	integrityErrors   uint64
	handshakesTotal   uint64
	teardownsTotal    uint64
	timersArmed       uint64

	connectionsTotalDesc  *prometheus.Desc
	activeConnectionsDesc *prometheus.Desc
	retransmitsTotalDesc  *prometheus.Desc
	abortsTotalDesc       *prometheus.Desc
	integrityErrorsDesc   *prometheus.Desc
	handshakesTotalDesc   *prometheus.Desc
	teardownsTotalDesc    *prometheus.Desc
	timersArmedDesc       *prometheus.Desc
}

// New builds a Collector with its metric descriptions set up.
func New() *Collector {
	return &Collector{
		connectionsTotalDesc:  prometheus.NewDesc("reldat_connections_total", "Total connections accepted since startup.", nil, nil),
		activeConnectionsDesc: prometheus.NewDesc("reldat_active_connections", "Connections currently open, from OPEN until teardown or abort (0 or 1; single-client protocol).", nil, nil),
		retransmitsTotalDesc:  prometheus.NewDesc("reldat_packets_retransmitted_total", "Total packets resent after a timer expiry.", nil, nil),
		abortsTotalDesc:       prometheus.NewDesc("reldat_connection_aborts_total", "Connections torn down by max-retransmit abort.", nil, nil),
		integrityErrorsDesc:   prometheus.NewDesc("reldat_integrity_errors_total", "Datagrams dropped for header or payload checksum failure.", nil, nil),
		handshakesTotalDesc:   prometheus.NewDesc("reldat_handshakes_completed_total", "Handshakes that reached ESTABLISHED.", nil, nil),
		teardownsTotalDesc:    prometheus.NewDesc("reldat_teardowns_completed_total", "Connections torn down cleanly via the four-way close.", nil, nil),
		timersArmedDesc:       prometheus.NewDesc("reldat_timers_armed", "Retransmission timers currently armed.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionsTotalDesc
	ch <- c.activeConnectionsDesc
	ch <- c.retransmitsTotalDesc
	ch <- c.abortsTotalDesc
	ch <- c.integrityErrorsDesc
	ch <- c.handshakesTotalDesc
	ch <- c.teardownsTotalDesc
	ch <- c.timersArmedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.connectionsTotalDesc, prometheus.CounterValue, float64(c.connectionsTotal))
	ch <- prometheus.MustNewConstMetric(c.activeConnectionsDesc, prometheus.GaugeValue, float64(c.activeConnections))
	ch <- prometheus.MustNewConstMetric(c.retransmitsTotalDesc, prometheus.CounterValue, float64(c.retransmitsTotal))
	ch <- prometheus.MustNewConstMetric(c.abortsTotalDesc, prometheus.CounterValue, float64(c.abortsTotal))
	ch <- prometheus.MustNewConstMetric(c.integrityErrorsDesc, prometheus.CounterValue, float64(c.integrityErrors))
	ch <- prometheus.MustNewConstMetric(c.handshakesTotalDesc, prometheus.CounterValue, float64(c.handshakesTotal))
	ch <- prometheus.MustNewConstMetric(c.teardownsTotalDesc, prometheus.CounterValue, float64(c.teardownsTotal))
	ch <- prometheus.MustNewConstMetric(c.timersArmedDesc, prometheus.GaugeValue, float64(c.timersArmed))
}

// ConnectionOpened records a new accepted connection.
func (c *Collector) ConnectionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionsTotal++
	c.activeConnections = 1
}

// HandshakeCompleted records a handshake reaching ESTABLISHED.
func (c *Collector) HandshakeCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakesTotal++
}

// TeardownCompleted records a clean four-way close.
func (c *Collector) TeardownCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownsTotal++
	c.activeConnections = 0
}

// Retransmit records one packet resent after a timer expiry.
func (c *Collector) Retransmit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retransmitsTotal++
}

// Abort records a connection torn down by max-retransmit abort.
func (c *Collector) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortsTotal++
	c.activeConnections = 0
}

// IntegrityError records a datagram dropped for checksum failure.
func (c *Collector) IntegrityError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integrityErrors++
}

// SetTimersArmed sets the current count of outstanding timers.
func (c *Collector) SetTimersArmed(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timersArmed = uint64(n)
}
