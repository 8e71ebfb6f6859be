package symbols

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultHit         = "hit"
	resultNotFound    = "not_found"
	resultCachedHit   = "cached_hit"
	resultCachedMiss  = "cached_miss"
	resultDownloadErr = "download_error"

	reasonUnavailable = "unavailable"
	reasonDecode      = "decode"
)

type metrics struct {
	lookups       *prometheus.CounterVec
	backendErrors *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	localFiles    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_symbols_lookups_total",
			Help: "Total number of symbol lookups by operation and result.",
		}, []string{"operation", "result"}),
		backendErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_symbols_backend_errors_total",
			Help: "Total number of backend failures treated as a miss, by backend and reason.",
		}, []string{"backend", "reason"}),
		downloads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_symbols_downloads_total",
			Help: "Total number of symbol files streamed, by backend.",
		}, []string{"backend"}),
		localFiles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_symbols_local_files_total",
			Help: "Total number of local artifact directory reads by result.",
		}, []string{"result"}),
	}
}
