package metrics

import "github.com/prometheus/client_golang/prometheus"

// AppointmentMetrics exposes counters for the booking workflow.
type AppointmentMetrics struct {
	bookings    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	payments    prometheus.Counter
}

func NewAppointmentMetrics(reg prometheus.Registerer) *AppointmentMetrics {
	m := &AppointmentMetrics{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "status_transitions_total",
			Help:      "Applied status transitions by target status",
		}, []string{"to"}),
		payments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "payments_registered_total",
			Help:      "Payments registered against appointments",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookings, m.transitions, m.payments)
	return m
}

func (m *AppointmentMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *AppointmentMetrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *AppointmentMetrics) ObservePayment() {
	if m == nil {
		return
	}
	m.payments.Inc()
}

// MessagingMetrics exposes counters for WhatsApp traffic.
type MessagingMetrics struct {
	outboundTotal *prometheus.CounterVec
	repliesTotal  *prometheus.CounterVec
	sendLatency   prometheus.Histogram
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound WhatsApp sends by result",
		}, []string{"result"}),
		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "messaging",
			Name:      "replies_total",
			Help:      "Inbound patient replies by classified response",
		}, []string{"response"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "messaging",
			Name:      "send_latency_seconds",
			Help:      "Latency of provider send calls",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.outboundTotal, m.repliesTotal, m.sendLatency)
	return m
}

func (m *MessagingMetrics) ObserveOutbound(result string, seconds float64) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(result).Inc()
	m.sendLatency.Observe(seconds)
}

func (m *MessagingMetrics) ObserveReply(response string) {
	if m == nil {
		return
	}
	m.repliesTotal.WithLabelValues(response).Inc()
}
