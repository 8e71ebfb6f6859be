// Package symbolication resolves module offsets in stack traces to function
// names, using parsed symbol files cached independently of the raw files.
package symbolication

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/symbolicator/pkg/kvcache"
	"github.com/grafana/symbolicator/pkg/storage"
	"github.com/grafana/symbolicator/pkg/symbols"
	"github.com/grafana/symbolicator/pkg/util"
)

const DefaultMaxJobs = 10

type Config struct {
	MaxJobs         int           `yaml:"max_jobs"`
	JobConcurrency  int           `yaml:"job_concurrency"`
	MapTTL          time.Duration `yaml:"map_ttl"`
	NegativeTTL     time.Duration `yaml:"negative_ttl"`
	LoadTimeout     time.Duration `yaml:"load_timeout" category:"advanced"`
	MaxRequestBytes int64         `yaml:"max_request_bytes" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxJobs, "symbolication.max-jobs", DefaultMaxJobs, "Maximum number of jobs in a single v5 request.")
	f.IntVar(&cfg.JobConcurrency, "symbolication.job-concurrency", 4, "Number of jobs of one request processed concurrently.")
	f.DurationVar(&cfg.MapTTL, "symbolication.map-ttl", 24*time.Hour, "How long parsed offset maps are cached.")
	f.DurationVar(&cfg.NegativeTTL, "symbolication.negative-ttl", time.Hour, "How long missing or unparsable symbol files are remembered.")
	f.DurationVar(&cfg.LoadTimeout, "symbolication.load-timeout", 2*time.Minute, "Maximum time to download and parse one symbol file. The load is shared by all requests for the file and is not cancelled with any of them. 0 means no limit.")
	f.Int64Var(&cfg.MaxRequestBytes, "symbolication.max-request-bytes", 10<<20, "Maximum size of a symbolication request body.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxJobs < 1 {
		return fmt.Errorf("invalid symbolication max jobs %d, must be positive", cfg.MaxJobs)
	}
	if cfg.JobConcurrency < 1 {
		return fmt.Errorf("invalid symbolication job concurrency %d, must be positive", cfg.JobConcurrency)
	}
	if cfg.MapTTL <= 0 || cfg.NegativeTTL <= 0 {
		return fmt.Errorf("symbolication cache ttls must be positive")
	}
	if cfg.LoadTimeout < 0 {
		return fmt.Errorf("invalid symbolication load timeout %s, must not be negative", cfg.LoadTimeout)
	}
	return nil
}

// SymbolSource opens decoded symbol files.
type SymbolSource interface {
	Open(ctx context.Context, k symbols.Key, opts symbols.Options) (io.ReadCloser, error)
}

type Engine struct {
	cfg     Config
	source  SymbolSource
	cache   kvcache.Cache
	group   singleflight.Group
	metrics *metrics
	logger  log.Logger
}

func NewEngine(cfg Config, source SymbolSource, cache kvcache.Cache, logger log.Logger, reg prometheus.Registerer) *Engine {
	return &Engine{
		cfg:     cfg,
		source:  source,
		cache:   cache,
		metrics: newMetrics(reg),
		logger:  log.With(logger, "component", "symbolication"),
	}
}

// ResolvedFrame is the outcome of resolving one frame.
type ResolvedFrame struct {
	Frame        int
	ModuleIndex  int
	ModuleOffset int64
	// Module is empty for frames without a module.
	Module         string
	Resolved       bool
	Function       string
	FunctionOffset int64
	File           string
	Line           int
}

// Stats describe the work done for one job.
type Stats struct {
	Duration     time.Duration
	CacheHits    int
	CacheMisses  int
	Downloads    int
	DownloadTime time.Duration
}

type JobResult struct {
	Modules []Module
	Stacks  [][]ResolvedFrame
	// Known is per module: nil when no frame referenced the module.
	Known []*bool
	Stats Stats
}

// Symbolicate resolves jobs concurrently. Jobs must have been validated.
func (e *Engine) Symbolicate(ctx context.Context, version string, jobs []Job, opts symbols.Options) ([]JobResult, error) {
	results := make([]JobResult, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.JobConcurrency)
	for i := range jobs {
		i := i
		g.Go(util.RecoverPanic(func() error {
			results[i] = e.symbolicateJob(ctx, jobs[i], opts)
			return ctx.Err()
		}))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.metrics.jobs.WithLabelValues(version).Add(float64(len(jobs)))
	return results, nil
}

// symbolicateJob resolves frames sequentially. A module's map is loaded at
// most once per job.
func (e *Engine) symbolicateJob(ctx context.Context, job Job, opts symbols.Options) JobResult {
	start := time.Now()
	res := JobResult{
		Modules: job.Modules,
		Stacks:  make([][]ResolvedFrame, len(job.Stacks)),
		Known:   make([]*bool, len(job.Modules)),
	}
	maps := make(map[int]*SymbolMap, len(job.Modules))

	for i, stack := range job.Stacks {
		frames := make([]ResolvedFrame, len(stack))
		for j, f := range stack {
			rf := ResolvedFrame{Frame: j, ModuleIndex: f.ModuleIndex, ModuleOffset: f.ModuleOffset}
			if f.ModuleIndex >= 0 {
				rf.Module = job.Modules[f.ModuleIndex].DebugFilename
			}
			if f.ModuleIndex >= 0 && f.ModuleOffset >= 0 {
				m, ok := maps[f.ModuleIndex]
				if !ok {
					m = e.loadMap(ctx, job.Modules[f.ModuleIndex], opts, &res.Stats)
					maps[f.ModuleIndex] = m
					found := m.Found
					res.Known[f.ModuleIndex] = &found
				}
				if match, ok := m.Lookup(uint64(f.ModuleOffset)); ok {
					rf.Resolved = true
					rf.Function = match.Name
					rf.FunctionOffset = match.FunctionOffset
					rf.File = match.File
					rf.Line = match.Line
				}
			}
			if rf.Resolved {
				e.metrics.frames.WithLabelValues("resolved").Inc()
			} else {
				e.metrics.frames.WithLabelValues("unresolved").Inc()
			}
			frames[j] = rf
		}
		res.Stacks[i] = frames
	}
	res.Stats.Duration = time.Since(start)
	return res
}

func mapCacheKey(k symbols.Key, opts symbols.Options) string {
	s := "symmap:v1:" + k.DebugFilename + "/" + k.DebugID
	if opts.Try {
		s += ":try"
	}
	return s
}

var notFound = &SymbolMap{}

// loadMap returns the module's map from the cache, or downloads, parses and
// caches it. Failures yield a map with Found unset.
func (e *Engine) loadMap(ctx context.Context, mod Module, opts symbols.Options, stats *Stats) *SymbolMap {
	k, err := symbols.NewKey(mod.DebugFilename, mod.DebugID, "")
	if err != nil {
		return notFound
	}
	ck := mapCacheKey(k, opts)

	if b, ok, err := e.cache.Get(ctx, ck); err != nil {
		e.metrics.mapCache.WithLabelValues(cacheError).Inc()
		level.Warn(e.logger).Log("msg", "map cache get failed", "key", ck, "err", err)
	} else if ok {
		m, err := decodeMap(b)
		if err == nil {
			if m.Found {
				e.metrics.mapCache.WithLabelValues(cacheHit).Inc()
			} else {
				e.metrics.mapCache.WithLabelValues(cacheHitNegative).Inc()
			}
			stats.CacheHits++
			return m
		}
		level.Warn(e.logger).Log("msg", "dropping undecodable map cache entry", "key", ck, "err", err)
	}
	e.metrics.mapCache.WithLabelValues(cacheMiss).Inc()
	stats.CacheMisses++

	start := time.Now()
	ch := e.group.DoChan(ck, func() (interface{}, error) {
		return e.sharedLoad(ctx, k, ck, opts), nil
	})
	select {
	case r := <-ch:
		if !r.Shared {
			stats.Downloads++
			stats.DownloadTime += time.Since(start)
		}
		return r.Val.(*SymbolMap)
	case <-ctx.Done():
		return notFound
	}
}

// sharedLoad runs downloadAndParse for every caller waiting on the key, so
// it is detached from the cancellation of the caller that started it.
func (e *Engine) sharedLoad(ctx context.Context, k symbols.Key, ck string, opts symbols.Options) *SymbolMap {
	ctx = context.WithoutCancel(ctx)
	if e.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.LoadTimeout)
		defer cancel()
	}
	m := notFound
	// DoChan re-panics on its own goroutine, out of reach of the job's recovery.
	_ = util.RecoverPanic(func() error {
		m = e.downloadAndParse(ctx, k, ck, opts)
		return nil
	})()
	return m
}

func (e *Engine) downloadAndParse(ctx context.Context, k symbols.Key, ck string, opts symbols.Options) *SymbolMap {
	start := time.Now()
	defer func() { e.metrics.mapLoad.Observe(time.Since(start).Seconds()) }()

	rc, err := e.source.Open(ctx, k, opts)
	if err != nil {
		if errors.Is(err, symbols.ErrSymbolNotFound) {
			e.store(ctx, ck, notFound)
			return notFound
		}
		e.metrics.loadErrors.Inc()
		level.Warn(e.logger).Log("msg", "failed to download symbol file", "key", k.String(), "download_error", storage.IsDownloadError(err), "err", err)
		return notFound
	}
	defer rc.Close()

	m, err := ParseSymbolFile(rc, k.DebugFilename, k.DebugID)
	if err != nil {
		if reason, ok := parseErrorReason(err); ok {
			e.metrics.parseErrors.WithLabelValues(reason).Inc()
			level.Warn(e.logger).Log("msg", "failed to parse symbol file", "key", k.String(), "err", err)
			e.store(ctx, ck, notFound)
		} else {
			e.metrics.loadErrors.Inc()
			level.Warn(e.logger).Log("msg", "failed to read symbol file", "key", k.String(), "err", err)
		}
		return notFound
	}
	e.metrics.symbolsPerMap.Observe(float64(len(m.Symbols)))
	e.store(ctx, ck, m)
	return m
}

// parseErrorReason classifies content errors, which are cached. Read errors
// are not.
func parseErrorReason(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrBadDebugID):
		return "bad_debug_id", true
	case errors.Is(err, ErrMissingModule):
		return "missing_module", true
	case errors.Is(err, ErrMalformed):
		return "malformed", true
	}
	return "", false
}

func (e *Engine) store(ctx context.Context, ck string, m *SymbolMap) {
	b, err := encodeMap(m)
	if err != nil {
		level.Warn(e.logger).Log("msg", "failed to encode map", "key", ck, "err", err)
		return
	}
	ttl := e.cfg.MapTTL
	if !m.Found {
		ttl = e.cfg.NegativeTTL
	}
	if err := e.cache.Set(ctx, ck, b, ttl); err != nil {
		level.Warn(e.logger).Log("msg", "map cache set failed", "key", ck, "err", err)
	}
}

// Invalidate drops the cached maps of a module so that freshly uploaded
// symbols are picked up.
func (e *Engine) Invalidate(ctx context.Context, debugFilename, debugID string) error {
	k := symbols.Key{DebugFilename: debugFilename, DebugID: strings.ToUpper(debugID)}
	errs := multierror.New()
	for _, opts := range []symbols.Options{{}, {Try: true}} {
		errs.Add(e.cache.Delete(ctx, mapCacheKey(k, opts)))
	}
	return errs.Err()
}
