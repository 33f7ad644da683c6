package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

var _metricsNamespace = "bookfount"

// NewMetrics creates a new Prometheus registry with default collectors
// already registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

type breakerMetrics struct {
	totals *prometheus.CounterVec
	state  *prometheus.GaugeVec
}

type fetchMetrics struct {
	totals *prometheus.CounterVec
}

type searchMetrics struct {
	totals *prometheus.CounterVec
	active prometheus.Gauge
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for the L1 cache.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func newBreakerMetrics(reg *prometheus.Registry) *breakerMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "breaker",
			Name:      "total",
			Help:      "Outbound request outcomes by provider.",
		},
		[]string{"provider", "type"},
	)
	state := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Breaker state per provider (0 closed, 1 half-open, 2 open).",
		},
		[]string{"provider"},
	)
	if reg != nil {
		reg.MustRegister(totals, state)
	}
	return &breakerMetrics{totals: totals, state: state}
}

func newFetchMetrics(reg *prometheus.Registry) *fetchMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "fetch",
			Name:      "total",
			Help:      "getBook resolutions by winning tier.",
		},
		[]string{"tier"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &fetchMetrics{totals: totals}
}

func newSearchMetrics(reg *prometheus.Registry) *searchMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "search",
			Name:      "total",
			Help:      "Search engine operations by type.",
		},
		[]string{"type"},
	)
	active := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "search",
			Name:      "active_jobs",
			Help:      "Background search jobs currently running.",
		},
	)
	if reg != nil {
		reg.MustRegister(totals, active)
	}
	return &searchMetrics{totals: totals, active: active}
}

func (cm *cacheMetrics) cacheHitInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("hits").Inc()
}

func (cm *cacheMetrics) cacheMissInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("misses").Inc()
}

func (bm *breakerMetrics) successInc(provider string) {
	bm.totals.WithLabelValues(provider, "success").Inc()
}

func (bm *breakerMetrics) failureInc(provider string) {
	bm.totals.WithLabelValues(provider, "failure").Inc()
}

func (bm *breakerMetrics) rejectedInc(provider string) {
	bm.totals.WithLabelValues(provider, "rejected").Inc()
}

func (bm *breakerMetrics) stateSet(provider string, s breakerState) {
	bm.state.WithLabelValues(provider).Set(float64(s))
}

func (bm *breakerMetrics) rejectedGet(provider string) int64 {
	m := &dto.Metric{}
	err := bm.totals.WithLabelValues(provider, "rejected").Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (fm *fetchMetrics) tierHitInc(tier string) {
	if fm == nil {
		return
	}
	fm.totals.WithLabelValues(tier).Inc()
}

func (sm *searchMetrics) jobStarted() {
	if sm == nil {
		return
	}
	sm.totals.WithLabelValues("jobs").Inc()
	sm.active.Inc()
}

func (sm *searchMetrics) jobFinished() {
	if sm == nil {
		return
	}
	sm.active.Dec()
}

func (sm *searchMetrics) joinedInc() {
	if sm == nil {
		return
	}
	sm.totals.WithLabelValues("joined").Inc()
}
