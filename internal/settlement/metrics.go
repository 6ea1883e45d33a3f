package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement outcomes, one per processed queue item.
const (
	outcomeSettled     = "settled"
	outcomeRetry       = "retry"
	outcomeFailed      = "failed"
	outcomeLockTimeout = "lock_timeout"
	outcomeRequeued    = "requeued"
	outcomeDeferred    = "deferred"
	outcomeSkipped     = "skipped"
	outcomeConsistency = "consistency"
)

// Metrics are the settlement worker's Prometheus collectors.
type Metrics struct {
	outcomes   *prometheus.CounterVec
	sendTime   prometheus.Histogram
	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tipledger",
			Subsystem: "settlement",
			Name:      "outcomes_total",
			Help:      "Processed settlement queue items by outcome.",
		}, []string{"outcome"}),
		sendTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tipledger",
			Subsystem: "settlement",
			Name:      "send_duration_seconds",
			Help:      "Duration of node send calls, successful or not.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tipledger",
			Subsystem: "settlement",
			Name:      "queue_depth",
			Help:      "Transactions waiting in the settlement queue, ready or delayed.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tipledger",
			Subsystem: "settlement",
			Name:      "in_flight",
			Help:      "Transactions currently being settled.",
		}),
	}
	reg.MustRegister(m.outcomes, m.sendTime, m.queueDepth, m.inFlight)
	return m
}

func (m *Metrics) outcome(name string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(name).Inc()
}

func (m *Metrics) observeSend(d time.Duration) {
	if m == nil {
		return
	}
	m.sendTime.Observe(d.Seconds())
}

func (m *Metrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) addInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
