// Package metrics collects Prometheus counters and gauges for the daemon's
// core operations: RRQs received, DATA blocks sent, retransmits, ERROR
// replies by code, and guest-session attach latency.
//
// All methods handle a nil receiver gracefully, so passing nil disables
// metrics collection with zero overhead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks daemon-wide Prometheus metrics, all under the rtftpd_
// prefix.
type Metrics struct {
	rrqsTotal            *prometheus.CounterVec
	dataBlocksTotal      prometheus.Counter
	retransmitsTotal     prometheus.Counter
	errorsTotal          *prometheus.CounterVec
	transfersActive      prometheus.Gauge
	transferDuration     prometheus.Histogram
	sessionsActive       prometheus.Gauge
	sessionAttachTotal   *prometheus.CounterVec
	sessionAttachLatency prometheus.Histogram
}

// New creates and registers daemon metrics against reg. Panics if
// registration fails, which only happens on a programming error (duplicate
// metric names) caught well before production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rrqsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtftpd_rrqs_total",
				Help: "Total read requests received, by resolution layer",
			},
			[]string{"layer"}, // local_client, local_default, guest, not_found
		),
		dataBlocksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rtftpd_data_blocks_total",
				Help: "Total DATA blocks sent across all transfers",
			},
		),
		retransmitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rtftpd_retransmits_total",
				Help: "Total DATA/OACK retransmissions due to ACK timeout",
			},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtftpd_errors_total",
				Help: "Total ERROR packets sent to clients, by TFTP error code",
			},
			[]string{"code"},
		),
		transfersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rtftpd_transfers_active",
				Help: "Current number of in-flight transfers",
			},
		),
		transferDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rtftpd_transfer_duration_seconds",
				Help:    "Duration of completed transfers in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rtftpd_guest_sessions_active",
				Help: "Current number of attached guest sessions",
			},
		),
		sessionAttachTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtftpd_guest_session_attach_total",
				Help: "Total guest session attach attempts, by outcome",
			},
			[]string{"outcome"}, // success, failed
		),
		sessionAttachLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rtftpd_guest_session_attach_seconds",
				Help:    "Latency of guest session attach (NBD connect through final mount)",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.rrqsTotal,
		m.dataBlocksTotal,
		m.retransmitsTotal,
		m.errorsTotal,
		m.transfersActive,
		m.transferDuration,
		m.sessionsActive,
		m.sessionAttachTotal,
		m.sessionAttachLatency,
	)

	return m
}

// RecordRRQ records one resolved (or unresolved) read request.
func (m *Metrics) RecordRRQ(layer string) {
	if m == nil {
		return
	}
	m.rrqsTotal.WithLabelValues(layer).Inc()
}

// RecordDataBlock records one DATA block sent.
func (m *Metrics) RecordDataBlock() {
	if m == nil {
		return
	}
	m.dataBlocksTotal.Inc()
}

// RecordRetransmit records one retransmission due to ACK timeout.
func (m *Metrics) RecordRetransmit() {
	if m == nil {
		return
	}
	m.retransmitsTotal.Inc()
}

// RecordError records one ERROR packet sent, by its TFTP error code.
func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(code).Inc()
}

// TransferStarted increments the active-transfer gauge. The caller must
// call the returned func exactly once when the transfer ends.
func (m *Metrics) TransferStarted() func() {
	if m == nil {
		return func() {}
	}
	m.transfersActive.Inc()
	start := time.Now()
	return func() {
		m.transfersActive.Dec()
		m.transferDuration.Observe(time.Since(start).Seconds())
	}
}

// SetSessionsActive sets the current guest-session count.
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(count))
}

// RecordSessionAttach records one guest session attach attempt and its
// latency.
func (m *Metrics) RecordSessionAttach(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	m.sessionAttachTotal.WithLabelValues(outcome).Inc()
	m.sessionAttachLatency.Observe(duration.Seconds())
}
