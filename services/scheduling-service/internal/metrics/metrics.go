package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scheduling"

// Metrics holds the scheduling-service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	bookings        *prometheus.CounterVec
	bookingLatency  *prometheus.HistogramVec
	slotQueries     *prometheus.CounterVec
	slotsReturned   prometheus.Histogram
	transitions     *prometheus.CounterVec
	invalidConfigs  prometheus.Counter
	outboxPublished *prometheus.CounterVec
}

// New registers the collectors on reg, or on the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome (ok, replayed, or an error kind).",
		}, []string{"outcome"}),
		bookingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "duration_seconds",
			Help:      "Time spent in the booking critical section, including lock wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		slotQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slots",
			Name:      "queries_total",
			Help:      "Slot listing requests by outcome.",
		}, []string{"outcome"}),
		slotsReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "slots",
			Name:      "returned",
			Help:      "Open slots returned per listing.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "transitions_total",
			Help:      "Reservation status transitions by target status and outcome.",
		}, []string{"to", "outcome"}),
		invalidConfigs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slots",
			Name:      "invalid_schedule_total",
			Help:      "Slot listings answered empty because the provider schedule is malformed.",
		}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox events written to Kafka by event type and outcome.",
		}, []string{"event_type", "outcome"}),
	}
	reg.MustRegister(
		m.bookings,
		m.bookingLatency,
		m.slotQueries,
		m.slotsReturned,
		m.transitions,
		m.invalidConfigs,
		m.outboxPublished,
	)
	return m
}

func (m *Metrics) ObserveBooking(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
	m.bookingLatency.WithLabelValues(outcome).Observe(took.Seconds())
}

func (m *Metrics) ObserveSlotQuery(outcome string, returned int) {
	if m == nil {
		return
	}
	m.slotQueries.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.slotsReturned.Observe(float64(returned))
	}
}

func (m *Metrics) ObserveTransition(to, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, outcome).Inc()
}

func (m *Metrics) InvalidSchedule() {
	if m == nil {
		return
	}
	m.invalidConfigs.Inc()
}

func (m *Metrics) ObserveOutboxPublish(eventType, outcome string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(eventType, outcome).Inc()
}
