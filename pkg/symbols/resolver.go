// Package symbols finds symbol files across an ordered list of storage
// backends, caching existence and download URLs.
package symbols

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolicator/pkg/kvcache"
	"github.com/grafana/symbolicator/pkg/storage"
)

// ErrSymbolNotFound is returned when no backend has the symbol file.
var ErrSymbolNotFound = errors.New("symbol file not found")

const (
	cachedPositive = '1'
	cachedNegative = '0'
)

type Config struct {
	LookupTTL time.Duration `yaml:"lookup_ttl"`
	// Dir is the local artifact directory. Empty disables it.
	Dir string `yaml:"dir"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.LookupTTL, "symbols.lookup-ttl", 3*time.Minute, "How long existence and URL lookups are cached, including negative results. Must be shorter than the signed URL expiry.")
	f.StringVar(&cfg.Dir, "symbols.dir", "", "Directory downloaded symbol files are materialised into. Usually the directory bounded by the disk cache. Empty disables local artifacts.")
}

func (cfg *Config) Validate() error {
	if cfg.LookupTTL <= 0 {
		return fmt.Errorf("invalid symbols lookup ttl %s, must be positive", cfg.LookupTTL)
	}
	return nil
}

// Options alter a single lookup.
type Options struct {
	// Try appends the try backends after the regular ones.
	Try bool
}

// Resolver tries backends in configured order. Lookup results are cached,
// and Invalidate must be called whenever new symbols for a key are uploaded.
//
// Concurrent lookups of the same key are not coordinated; each may hit the
// backends.
type Resolver struct {
	cfg      Config
	backends []storage.Backend
	cache    kvcache.Cache
	metrics  *metrics
	logger   log.Logger
}

func NewResolver(cfg Config, backends []storage.Backend, cache kvcache.Cache, logger log.Logger, reg prometheus.Registerer) *Resolver {
	return &Resolver{
		cfg:      cfg,
		backends: backends,
		cache:    cache,
		metrics:  newMetrics(reg),
		logger:   log.With(logger, "component", "symbols"),
	}
}

// Backends returns the backends a lookup with the given options consults,
// in order.
func (r *Resolver) Backends(opts Options) []storage.Backend {
	out := make([]storage.Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if !b.Descriptor().Try {
			out = append(out, b)
		}
	}
	if opts.Try {
		for _, b := range r.backends {
			if b.Descriptor().Try {
				out = append(out, b)
			}
		}
	}
	return out
}

// HasSymbol reports whether any backend has the symbol file.
func (r *Resolver) HasSymbol(ctx context.Context, k Key, opts Options) (bool, error) {
	u, err := r.lookup(ctx, "has_symbol", k, opts)
	return u != "", err
}

// GetSymbolURL returns the download URL of the symbol file, or an empty
// string when no backend has it.
func (r *Resolver) GetSymbolURL(ctx context.Context, k Key, opts Options) (string, error) {
	return r.lookup(ctx, "get_url", k, opts)
}

// Invalidate drops cached lookups for the key, for both the regular and
// the try namespace.
// Local copies are removed as well, so the next Open downloads again.
func (r *Resolver) Invalidate(ctx context.Context, k Key) error {
	errs := multierror.New()
	for _, opts := range []Options{{}, {Try: true}} {
		errs.Add(r.cache.Delete(ctx, cacheKey(k, opts)))
		if r.cfg.Dir == "" {
			continue
		}
		if err := os.Remove(LocalPath(r.cfg.Dir, k, opts)); err != nil && !os.IsNotExist(err) {
			errs.Add(err)
		}
	}
	return errs.Err()
}

func (r *Resolver) lookup(ctx context.Context, op string, k Key, opts Options) (string, error) {
	ck := cacheKey(k, opts)
	if v, ok := r.cached(ctx, ck); ok {
		if v != "" {
			r.metrics.lookups.WithLabelValues(op, resultCachedHit).Inc()
		} else {
			r.metrics.lookups.WithLabelValues(op, resultCachedMiss).Inc()
		}
		return v, nil
	}

	transient := false
	for _, b := range r.Backends(opts) {
		md, err := b.ObjectMetadata(ctx, ObjectKey(b.Descriptor(), k))
		switch {
		case err == nil && md != nil:
			r.metrics.lookups.WithLabelValues(op, resultHit).Inc()
			r.store(ctx, ck, string(cachedPositive)+md.URL)
			return md.URL, nil
		case err == nil:
			continue
		case storage.IsDownloadError(err):
			r.metrics.lookups.WithLabelValues(op, resultDownloadErr).Inc()
			return "", err
		default:
			transient = true
			r.backendFailed(b, reasonUnavailable, k, err)
		}
	}
	r.metrics.lookups.WithLabelValues(op, resultNotFound).Inc()
	// A transient failure may have hidden the file, so the miss is not
	// remembered.
	if !transient {
		r.store(ctx, ck, string(cachedNegative))
	}
	return "", nil
}

// GetSymbolStream returns the symbol file decoded according to the encoding
// the backend reports. The content is decoded completely before a backend
// is accepted, so a copy that is corrupt anywhere is treated as a miss and
// the next backend is tried.
func (r *Resolver) GetSymbolStream(ctx context.Context, k Key, opts Options) (io.ReadCloser, error) {
	f, err := r.fetch(ctx, k, opts, "")
	if err != nil {
		return nil, err
	}
	return &tempFile{File: f}, nil
}

// fetch decodes the first complete copy of k into a temporary file created
// in dir and returns it positioned at the start.
func (r *Resolver) fetch(ctx context.Context, k Key, opts Options, dir string) (*os.File, error) {
	const op = "get_stream"
	ck := cacheKey(k, opts)
	if v, ok := r.cached(ctx, ck); ok && v == "" {
		r.metrics.lookups.WithLabelValues(op, resultCachedMiss).Inc()
		return nil, ErrSymbolNotFound
	}

	transient := false
	for _, b := range r.Backends(opts) {
		rc, md, err := b.Get(ctx, ObjectKey(b.Descriptor(), k))
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			continue
		case storage.IsDownloadError(err):
			r.metrics.lookups.WithLabelValues(op, resultDownloadErr).Inc()
			return nil, err
		default:
			transient = true
			r.backendFailed(b, reasonUnavailable, k, err)
			continue
		}

		f, err := spool(dir, md.ContentEncoding, rc)
		var de *decodeError
		switch {
		case err == nil:
			r.metrics.lookups.WithLabelValues(op, resultHit).Inc()
			r.metrics.downloads.WithLabelValues(b.Name()).Inc()
			return f, nil
		case errors.As(err, &de):
			transient = true
			r.backendFailed(b, reasonDecode, k, err)
		default:
			return nil, fmt.Errorf("writing symbol file: %w", err)
		}
	}

	r.metrics.lookups.WithLabelValues(op, resultNotFound).Inc()
	if !transient {
		r.store(ctx, ck, string(cachedNegative))
	}
	return nil, ErrSymbolNotFound
}

// Upload writes the symbol file to the first backend of the given namespace
// and invalidates cached lookups for it.
func (r *Resolver) Upload(ctx context.Context, k Key, body io.Reader, md storage.Metadata, opts Options) error {
	var target storage.Backend
	for _, b := range r.backends {
		if b.Descriptor().Try == opts.Try && !b.Descriptor().Public {
			target = b
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no writable backend configured (try=%t)", opts.Try)
	}
	if err := target.Upload(ctx, ObjectKey(target.Descriptor(), k), body, md); err != nil {
		return err
	}
	return r.Invalidate(ctx, k)
}

func (r *Resolver) backendFailed(b storage.Backend, reason string, k Key, err error) {
	r.metrics.backendErrors.WithLabelValues(b.Name(), reason).Inc()
	level.Warn(r.logger).Log("msg", "symbol backend failed, trying next", "backend", b.Name(), "key", k.String(), "reason", reason, "err", err)
}

func (r *Resolver) cached(ctx context.Context, ck string) (string, bool) {
	v, ok, err := r.cache.Get(ctx, ck)
	if err != nil {
		level.Warn(r.logger).Log("msg", "lookup cache get failed", "key", ck, "err", err)
		return "", false
	}
	if !ok || len(v) == 0 {
		return "", false
	}
	if v[0] == cachedPositive {
		return string(v[1:]), true
	}
	return "", true
}

func (r *Resolver) store(ctx context.Context, ck, v string) {
	if err := r.cache.Set(ctx, ck, []byte(v), r.cfg.LookupTTL); err != nil {
		level.Warn(r.logger).Log("msg", "lookup cache set failed", "key", ck, "err", err)
	}
}
