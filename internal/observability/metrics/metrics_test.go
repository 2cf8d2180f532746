package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAppointmentMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAppointmentMetrics(reg)

	m.ObserveBooking("created")
	m.ObserveBooking("created")
	m.ObserveBooking("conflict")
	m.ObserveTransition("confirmado")
	m.ObservePayment()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.bookings.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookings.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("confirmado")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.payments))
}

func TestMessagingMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMessagingMetrics(reg)

	m.ObserveOutbound("sent", 0.2)
	m.ObserveOutbound("failed", 0.1)
	m.ObserveReply("confirmed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboundTotal.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboundTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repliesTotal.WithLabelValues("confirmed")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var a *AppointmentMetrics
	var m *MessagingMetrics
	assert.NotPanics(t, func() {
		a.ObserveBooking("created")
		a.ObserveTransition("reservado")
		a.ObservePayment()
		m.ObserveOutbound("sent", 1)
		m.ObserveReply("confirmed")
	})
}
