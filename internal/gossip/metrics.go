package gossip

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts router activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	delivered     prometheus.Counter
	duplicates    prometheus.Counter
	forwarded     prometheus.Counter
	forwardErrors prometheus.Counter
	expired       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "string_gossip_delivered_total",
			Help: "Gossip records delivered to the local node.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "string_gossip_duplicates_total",
			Help: "Gossip records dropped because their id was already seen.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "string_gossip_forwarded_total",
			Help: "Gossip records handed to a neighbour.",
		}),
		forwardErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "string_gossip_forward_errors_total",
			Help: "Failed sends to a neighbour.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "string_gossip_ttl_expired_total",
			Help: "Gossip records that stopped propagating at TTL zero.",
		}),
	}

	reg.MustRegister(
		m.delivered,
		m.duplicates,
		m.forwarded,
		m.forwardErrors,
		m.expired,
	)
	return m
}

func (m *Metrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) RecordForwarded() {
	if m == nil {
		return
	}
	m.forwarded.Inc()
}

func (m *Metrics) RecordForwardError() {
	if m == nil {
		return
	}
	m.forwardErrors.Inc()
}

func (m *Metrics) RecordExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}
