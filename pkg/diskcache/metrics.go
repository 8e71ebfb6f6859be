package diskcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	events        *prometheus.CounterVec
	evictions     prometheus.Counter
	evictedBytes  prometheus.Counter
	evictionRaces prometheus.Counter
	errors        *prometheus.CounterVec
	trackedBytes  prometheus.Gauge
	trackedFiles  prometheus.Gauge
	maxBytes      prometheus.Gauge
	volumeFree    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_disk_cache_events_total",
			Help: "Total number of filesystem events processed by operation.",
		}, []string{"op"}),
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "symbolicator_disk_cache_evictions_total",
			Help: "Total number of files evicted to respect the size budget.",
		}),
		evictedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "symbolicator_disk_cache_evicted_bytes_total",
			Help: "Total number of bytes evicted.",
		}),
		evictionRaces: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "symbolicator_disk_cache_eviction_races_total",
			Help: "Total number of evictions of files that had already vanished.",
		}),
		errors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_disk_cache_errors_total",
			Help: "Total number of per-file errors that were skipped, by operation.",
		}, []string{"op"}),
		trackedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "symbolicator_disk_cache_tracked_bytes",
			Help: "Total size of the files tracked by the disk cache.",
		}),
		trackedFiles: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "symbolicator_disk_cache_tracked_files",
			Help: "Number of files tracked by the disk cache.",
		}),
		maxBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "symbolicator_disk_cache_max_bytes",
			Help: "Configured size budget of the disk cache.",
		}),
		volumeFree: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "symbolicator_disk_cache_volume_available_bytes",
			Help: "Bytes available on the filesystem holding the disk cache.",
		}),
	}
}
