package bus

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks broker traffic. Counters are labeled by subject so
// per-stream dashboards need no extra plumbing.
type Metrics struct {
	Published      *prometheus.CounterVec
	Consumed       *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec
	Reconnects     prometheus.Counter

	registerer prometheus.Registerer
}

// NewMetrics builds the bus metrics set and registers it with reg. A nil
// reg leaves the metrics unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "bus",
			Name:      "messages_published_total",
			Help:      "Messages published, by subject.",
		}, []string{"subject"}),
		Consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "bus",
			Name:      "messages_consumed_total",
			Help:      "Messages consumed, by subject and outcome.",
		}, []string{"subject", "outcome"}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "bus",
			Name:      "decode_failures_total",
			Help:      "Per-message decode failures, by subject.",
		}, []string{"subject"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Broker reconnections observed by the supervisor.",
		}),
		registerer: reg,
	}

	if reg != nil {
		reg.MustRegister(m.Published, m.Consumed, m.DecodeFailures, m.Reconnects)
	}
	return m
}
