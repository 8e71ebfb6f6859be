package symbolication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	cacheHit         = "hit"
	cacheHitNegative = "hit_negative"
	cacheMiss        = "miss"
	cacheError       = "error"
)

type metrics struct {
	mapCache      *prometheus.CounterVec
	parseErrors   *prometheus.CounterVec
	loadErrors    prometheus.Counter
	frames        *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	mapLoad       prometheus.Histogram
	symbolsPerMap prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		mapCache: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_symbolication_map_cache_total",
			Help: "Offset map cache lookups by result. Negative hits are cached failed downloads or parses.",
		}, []string{"result"}),
		parseErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_symbolication_parse_errors_total",
			Help: "Symbol files that could not be parsed, by reason.",
		}, []string{"reason"}),
		loadErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "symbolicator_symbolication_load_errors_total",
			Help: "Offset map loads that failed for reasons other than a missing or malformed file.",
		}),
		frames: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_symbolication_frames_total",
			Help: "Frames processed by result.",
		}, []string{"result"}),
		jobs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_symbolication_jobs_total",
			Help: "Symbolication jobs processed by API version.",
		}, []string{"version"}),
		mapLoad: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "symbolicator_symbolication_map_load_duration_seconds",
			Help:    "Time spent downloading and parsing a symbol file.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		}),
		symbolsPerMap: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "symbolicator_symbolication_map_symbols",
			Help:    "Number of symbols in parsed offset maps.",
			Buckets: prometheus.ExponentialBuckets(16, 4, 10),
		}),
	}
}
