package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/chatquota"
)

const namespace = "chatquota"

// PrometheusMeter exports quota and streaming events as Prometheus metrics.
type PrometheusMeter struct {
	admissions     *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	streams        *prometheus.CounterVec
	streamDuration prometheus.Histogram
	fragments      prometheus.Counter
	settledTokens  *prometheus.CounterVec
	settleErrors   prometheus.Counter
}

var _ chatquota.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates the collectors and registers them with reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PrometheusMeter{
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Admission checks by result and blocking limit",
			},
			[]string{"result", "limit"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Sessions removed from the store",
			},
			[]string{"reason"},
		),
		streams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_total",
				Help:      "Reply streams by terminal state",
			},
			[]string{"state"},
		),
		streamDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stream_duration_seconds",
				Help:      "Time from first read to terminal state of a reply stream",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		fragments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_fragments_total",
				Help:      "Reply fragments delivered to clients",
			},
		),
		settledTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settled_tokens_total",
				Help:      "Tokens charged when reservations are settled",
			},
			[]string{"outcome"},
		),
		settleErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settle_errors_total",
				Help:      "Reservations that could not be settled",
			},
		),
	}
	reg.MustRegister(
		m.admissions,
		m.evictions,
		m.streams,
		m.streamDuration,
		m.fragments,
		m.settledTokens,
		m.settleErrors,
	)
	return m
}

// RegisterSessionGauge exports the number of tracked sessions.
func RegisterSessionGauge(reg prometheus.Registerer, m *chatquota.Manager) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Anonymous sessions currently tracked",
		},
		func() float64 { return float64(m.Len()) },
	))
}

func (m *PrometheusMeter) OnAdmission(e chatquota.AdmissionEvent) {
	result := "allowed"
	if !e.Allowed {
		result = "denied"
	}
	limit := string(e.Limit)
	if limit == "" {
		limit = "none"
	}
	m.admissions.WithLabelValues(result, limit).Inc()
}

func (m *PrometheusMeter) OnEviction(e chatquota.EvictionEvent) {
	m.evictions.WithLabelValues(string(e.Reason)).Inc()
}

func (m *PrometheusMeter) OnStream(e chatquota.StreamEvent) {
	m.streams.WithLabelValues(string(e.State)).Inc()
	m.streamDuration.Observe(e.Duration.Seconds())
	m.fragments.Add(float64(e.Fragments))
}

func (m *PrometheusMeter) OnSettle(e chatquota.SettleEvent) {
	switch {
	case e.Error != nil:
		m.settleErrors.Inc()
	case e.RolledBack:
		m.settledTokens.WithLabelValues("rolled_back").Add(float64(e.Reserved))
	default:
		m.settledTokens.WithLabelValues("committed").Add(float64(e.Actual))
	}
}
