package kvcache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolicator/pkg/util"
)

type metrics struct {
	requests  *prometheus.CounterVec
	evictions *prometheus.CounterVec
	entries   *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requests: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_kvcache_requests_total",
			Help: "Total number of cache operations by cache name, operation and result.",
		}, []string{"cache", "operation", "result"})),
		evictions: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_kvcache_evictions_total",
			Help: "Total number of entries evicted from in-process caches because of capacity or expiry.",
		}, []string{"cache"})),
		entries: util.RegisterOrGet(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "symbolicator_kvcache_entries",
			Help: "Number of entries held by in-process caches.",
		}, []string{"cache"})),
	}
}
