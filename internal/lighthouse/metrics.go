package lighthouse

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the service and its HTTP API. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	endpoints prometheus.Gauge
	pubkeys   prometheus.Gauge
	pending   prometheus.Gauge
	swept     *prometheus.CounterVec
	limited   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lighthouse_requests_total",
			Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
		endpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lighthouse_endpoints",
			Help: "Registered endpoints after the last sweep.",
		}),
		pubkeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lighthouse_pubkeys",
			Help: "Attached public keys after the last sweep.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lighthouse_pending_connections",
			Help: "Unconsumed connection requests after the last sweep.",
		}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lighthouse_swept_total",
			Help: "Records removed by the expiry sweep.",
		}, []string{"kind"}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lighthouse_rate_limited_total",
			Help: "Requests rejected by the per-client rate limit.",
		}),
	}

	reg.MustRegister(
		m.requests,
		m.endpoints,
		m.pubkeys,
		m.pending,
		m.swept,
		m.limited,
	)
	return m
}

func (m *Metrics) RecordRequest(route, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, code).Inc()
}

func (m *Metrics) RecordSweep(r SweepResult) {
	if m == nil {
		return
	}
	m.swept.WithLabelValues("endpoint").Add(float64(r.Endpoints))
	m.swept.WithLabelValues("pubkey").Add(float64(r.Pubkeys))
	m.swept.WithLabelValues("pending").Add(float64(r.Pending))
}

func (m *Metrics) SetStats(s Stats) {
	if m == nil {
		return
	}
	m.endpoints.Set(float64(s.Endpoints))
	m.pubkeys.Set(float64(s.Pubkeys))
	m.pending.Set(float64(s.Pending))
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.limited.Inc()
}
