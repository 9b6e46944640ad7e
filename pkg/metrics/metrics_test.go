package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	// Labelled vectors only show up in Gather once they have a child.
	m.RecordRRQ("guest")
	m.RecordError("1")
	m.RecordSessionAttach(true, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(families), 9)
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRRQ("guest")
		m.RecordDataBlock()
		m.RecordRetransmit()
		m.RecordError("1")
		done := m.TransferStarted()
		done()
		m.SetSessionsActive(3)
		m.RecordSessionAttach(true, time.Millisecond)
	})
}

func TestMetrics_RecordRRQIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRRQ("local_client")
	m.RecordRRQ("local_client")
	m.RecordRRQ("guest")

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() != "rtftpd_rrqs_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(3), total)
}

func TestMetrics_TransferStartedTracksActiveGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	done := m.TransferStarted()
	assert.Equal(t, float64(1), gaugeValue(t, reg, "rtftpd_transfers_active"))
	done()
	assert.Equal(t, float64(0), gaugeValue(t, reg, "rtftpd_transfers_active"))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
