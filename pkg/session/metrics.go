package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	opLoad   = "load"
	opSave   = "save"
	opUpdate = "update"
	opRenew  = "renew"
	opDelete = "delete"
)

const (
	outcomeOK                   = "ok"
	outcomeAbsent               = "absent"
	outcomeFallback             = "fallback"
	outcomeInvalid              = "invalid"
	outcomeDeserializationError = "deserialization_error"
	outcomeStorageError         = "storage_error"
)

// Metrics holds the Prometheus collectors of a Store. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	fallbacks  prometheus.Counter
	collisions prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tessera",
				Subsystem: "session",
				Name:      "operations_total",
				Help:      "Session store operations by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tessera",
				Subsystem: "session",
				Name:      "operation_duration_seconds",
				Help:      "Latency of session store operations, including fallbacks and retries.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "session",
			Name:      "update_fallbacks_total",
			Help:      "Updates that found their session gone and created a new one.",
		}),
		collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "session",
			Name:      "key_collisions_total",
			Help:      "Generated keys rejected because they were already in use.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.fallbacks, m.collisions)
	}
	return m
}

func (m *Metrics) observe(op, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) fallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) collision() {
	if m != nil {
		m.collisions.Inc()
	}
}
