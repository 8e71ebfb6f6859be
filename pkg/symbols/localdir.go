package symbols

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"

	"github.com/grafana/symbolicator/pkg/storage"
)

const (
	localHit      = "hit"
	localWritten  = "written"
	localFallback = "fallback"
)

// LocalPath is where the symbol file for k lives in the local artifact
// directory: <dir>/<debug_filename>/<DEBUG_ID>/<sym_filename>. Files found
// through the try backends live under <dir>/try so they are never served to
// regular lookups.
func LocalPath(dir string, k Key, opts Options) string {
	if opts.Try {
		dir = filepath.Join(dir, "try")
	}
	return filepath.Join(dir, k.DebugFilename, k.DebugID, k.SymFilename)
}

// Open returns the decoded symbol file. With a local artifact directory
// configured, the file is served from it, downloading it first when absent.
// Reading the local copy is what keeps it recent for the disk cache.
// Failures to materialise the file fall back to streaming from the backend.
func (r *Resolver) Open(ctx context.Context, k Key, opts Options) (io.ReadCloser, error) {
	if r.cfg.Dir == "" {
		return r.GetSymbolStream(ctx, k, opts)
	}
	p := LocalPath(r.cfg.Dir, k, opts)
	if f, err := os.Open(p); err == nil {
		r.metrics.localFiles.WithLabelValues(localHit).Inc()
		return f, nil
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return r.streamInstead(ctx, k, opts, p, err)
	}
	// The download lands next to its final path so the rename is atomic and
	// the disk cache only ever sees complete files.
	f, err := r.fetch(ctx, k, opts, dir)
	switch {
	case err == nil:
	case errors.Is(err, ErrSymbolNotFound), storage.IsDownloadError(err):
		return nil, err
	default:
		return r.streamInstead(ctx, k, opts, p, err)
	}
	if err := os.Rename(f.Name(), p); err != nil {
		level.Warn(r.logger).Log("msg", "failed to materialise symbol file", "path", p, "err", err)
		r.metrics.localFiles.WithLabelValues(localFallback).Inc()
		return &tempFile{File: f}, nil
	}
	r.metrics.localFiles.WithLabelValues(localWritten).Inc()
	return f, nil
}

func (r *Resolver) streamInstead(ctx context.Context, k Key, opts Options, p string, err error) (io.ReadCloser, error) {
	level.Warn(r.logger).Log("msg", "failed to materialise symbol file, streaming instead", "path", p, "err", err)
	r.metrics.localFiles.WithLabelValues(localFallback).Inc()
	return r.GetSymbolStream(ctx, k, opts)
}
