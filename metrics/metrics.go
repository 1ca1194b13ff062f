package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics reports consensus progress. A nil *Metrics is valid and records nothing.
type Metrics struct {
	pollsSuccessful  prometheus.Counter
	pollsFailed      prometheus.Counter
	queryTimeouts    prometheus.Counter
	verticesInserted prometheus.Counter
	insertRejected   *prometheus.CounterVec
	finalized        prometheus.Counter
	rejected         prometheus.Counter
	byzantineFlagged prometheus.Counter
	forksResolved    prometheus.Counter
	activeSets       prometheus.Gauge
	queuedSets       prometheus.Gauge
	finalityLatency  prometheus.Histogram
}

func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pollsSuccessful: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_successful",
			Help:      "Number of rounds that reached quorum",
		}),
		pollsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_failed",
			Help:      "Number of inconclusive rounds",
		}),
		queryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_timeouts",
			Help:      "Number of peer queries that timed out after the retry",
		}),
		verticesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vertices_inserted",
			Help:      "Number of vertices accepted into the DAG",
		}),
		insertRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vertices_insert_rejected",
			Help:      "Number of vertices refused at insertion, by reason",
		}, []string{"reason"}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vertices_finalized",
			Help:      "Number of vertices that reached final",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vertices_rejected",
			Help:      "Number of vertices rejected by consensus",
		}),
		byzantineFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "byzantine_flagged",
			Help:      "Number of times a peer was flagged as byzantine",
		}),
		forksResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forks_resolved",
			Help:      "Number of conflict sets where competing counters were force-reset",
		}),
		activeSets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conflict_sets_active",
			Help:      "Number of conflict sets under active voting",
		}),
		queuedSets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conflict_sets_queued",
			Help:      "Number of conflict sets waiting for a voting slot",
		}),
		finalityLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finality_latency_seconds",
			Help:      "Time from insertion to finality",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	err := errors.Join(
		reg.Register(m.pollsSuccessful),
		reg.Register(m.pollsFailed),
		reg.Register(m.queryTimeouts),
		reg.Register(m.verticesInserted),
		reg.Register(m.insertRejected),
		reg.Register(m.finalized),
		reg.Register(m.rejected),
		reg.Register(m.byzantineFlagged),
		reg.Register(m.forksResolved),
		reg.Register(m.activeSets),
		reg.Register(m.queuedSets),
		reg.Register(m.finalityLatency),
	)
	return m, err
}

func (m *Metrics) PollSuccessful() {
	if m != nil {
		m.pollsSuccessful.Inc()
	}
}

func (m *Metrics) PollFailed() {
	if m != nil {
		m.pollsFailed.Inc()
	}
}

func (m *Metrics) QueryTimeout() {
	if m != nil {
		m.queryTimeouts.Inc()
	}
}

func (m *Metrics) Inserted() {
	if m != nil {
		m.verticesInserted.Inc()
	}
}

func (m *Metrics) InsertRejected(reason string) {
	if m != nil {
		m.insertRejected.WithLabelValues(reason).Inc()
	}
}

// Finalized records a vertex reaching final after having been inserted at since.
func (m *Metrics) Finalized(since time.Time) {
	if m == nil {
		return
	}
	m.finalized.Inc()
	if !since.IsZero() {
		m.finalityLatency.Observe(time.Since(since).Seconds())
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) ByzantineFlagged() {
	if m != nil {
		m.byzantineFlagged.Inc()
	}
}

func (m *Metrics) ForkResolved() {
	if m != nil {
		m.forksResolved.Inc()
	}
}

func (m *Metrics) SetBacklog(active, queued int) {
	if m != nil {
		m.activeSets.Set(float64(active))
		m.queuedSets.Set(float64(queued))
	}
}
