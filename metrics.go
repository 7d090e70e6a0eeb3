package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	mutations     *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	timeouts      *prometheus.CounterVec
	staleDropped  prometheus.Counter
	realtime      *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	queueEvicted  prometheus.Counter
	loadingStates *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "mutations_total",
			Help:      "Optimistic mutations by action and outcome (confirmed, queued, rolled_back, failed).",
		}, []string{"action", "outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "fetches_total",
			Help:      "Fetches by resource and outcome.",
		}, []string{"resource", "outcome"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "timeouts_total",
			Help:      "Deadlines that fired, by label.",
		}, []string{"label"}),
		staleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_responses_total",
			Help:      "Fetch results discarded because a newer attempt superseded them.",
		}),
		realtime: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "realtime_events_total",
			Help:      "Realtime change events by table, type and result (applied, duplicate, ignored).",
		}, []string{"table", "type", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "offline_queue_depth",
			Help:      "Actions waiting in the offline queue.",
		}),
		queueEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "offline_queue_evicted_total",
			Help:      "Actions dropped for exceeding the eviction horizon.",
		}),
		loadingStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "loading_transitions_total",
			Help:      "Loading state machine transitions by view and state.",
		}, []string{"view", "state"}),
	}
	if reg != nil {
		reg.MustRegister(m.mutations, m.fetches, m.timeouts, m.staleDropped,
			m.realtime, m.queueDepth, m.queueEvicted, m.loadingStates)
	}
	return m
}

func (m *Metrics) mutation(action ActionType, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(string(action), outcome).Inc()
}

func (m *Metrics) fetch(resource, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(resource, outcome).Inc()
}

func (m *Metrics) timeout(label string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(label).Inc()
}

func (m *Metrics) stale() {
	if m == nil {
		return
	}
	m.staleDropped.Inc()
}

func (m *Metrics) realtimeEvent(table string, typ EventType, result string) {
	if m == nil {
		return
	}
	m.realtime.WithLabelValues(table, string(typ), result).Inc()
}

func (m *Metrics) queue(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) evicted(n int) {
	if m == nil {
		return
	}
	m.queueEvicted.Add(float64(n))
}

func (m *Metrics) loading(view string, s LoadState) {
	if m == nil {
		return
	}
	m.loadingStates.WithLabelValues(view, s.String()).Inc()
}
