package symbolicator

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/symbolicator/pkg/diskcache"
	"github.com/grafana/symbolicator/pkg/kvcache"
	"github.com/grafana/symbolicator/pkg/storage"
	"github.com/grafana/symbolicator/pkg/symbolication"
	"github.com/grafana/symbolicator/pkg/symbols"
	"github.com/grafana/symbolicator/pkg/util"
)

// The various modules that make up symbolicator.
const (
	All           string = "all"
	ServerModule  string = "server"
	Storage       string = "storage"
	Caches        string = "caches"
	Resolver      string = "resolver"
	Symbolication string = "symbolication"
	SymbolsAPI    string = "symbols-api"
	DiskCache     string = "disk-cache"
	Admin         string = "admin"
)

// Headers describing the uncompressed content of an upload.
const (
	HeaderOriginalSize = "X-Symbol-Original-Size"
	HeaderOriginalMD5  = "X-Symbol-Original-Md5"
)

func (s *Symbolicator) initServer() (services.Service, error) {
	s.Server = NewServer(s.Cfg.Server, s.logger, s.reg)
	return s.Server, nil
}

func (s *Symbolicator) initStorage() (_ services.Service, err error) {
	s.backends, err = storage.NewBackends(s.Cfg.Storage, s.logger, s.reg)
	if err != nil {
		return nil, err
	}
	for _, b := range s.backends {
		d := b.Descriptor()
		level.Info(s.logger).Log("msg", "storage backend configured", "name", b.Name(), "url", d.BaseURL, "public", d.Public, "try", d.Try)
	}
	return nil, nil
}

func (s *Symbolicator) initCaches() (_ services.Service, err error) {
	if s.lookupCache, err = s.newCache(s.Cfg.LookupCache, "lookups"); err != nil {
		return nil, err
	}
	if s.mapCache, err = s.newCache(s.Cfg.MapCache, "maps"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Symbolicator) newCache(cfg kvcache.Config, name string) (kvcache.Cache, error) {
	c, err := kvcache.New(cfg, name, s.logger, s.reg)
	if err != nil {
		return nil, err
	}
	if closer, ok := c.(io.Closer); ok {
		s.closers = append(s.closers, closer)
	}
	return c, nil
}

func (s *Symbolicator) initResolver() (services.Service, error) {
	s.resolver = symbols.NewResolver(s.Cfg.Symbols, s.backends, s.lookupCache, s.logger, s.reg)
	return nil, nil
}

func (s *Symbolicator) initSymbolication() (services.Service, error) {
	s.engine = symbolication.NewEngine(s.Cfg.Symbolication, s.resolver, s.mapCache, s.logger, s.reg)
	s.engine.RegisterRoutes(s.Server.Router)
	return nil, nil
}

func (s *Symbolicator) initSymbolsAPI() (services.Service, error) {
	r := s.Server.Router
	r.HandleFunc("/symbols/{debug_filename}/{debug_id}/invalidate", s.invalidateHandler).Methods(http.MethodPost)
	r.HandleFunc("/symbols/{debug_filename}/{debug_id}/{sym_filename}", s.symbolURLHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/symbols/{debug_filename}/{debug_id}/{sym_filename}", s.uploadHandler).Methods(http.MethodPut)
	return nil, nil
}

func (s *Symbolicator) initDiskCache() (services.Service, error) {
	if !s.Cfg.DiskCache.Enabled {
		level.Info(s.logger).Log("msg", "disk cache disabled")
		return nil, nil
	}
	source, err := diskcache.NewSource(s.Cfg.DiskCache)
	if err != nil {
		return nil, err
	}
	s.diskCache = diskcache.NewManager(s.Cfg.DiskCache, source, s.logger, s.reg)
	s.Server.Router.HandleFunc("/disk-cache/stats", s.diskCacheStatsHandler).Methods(http.MethodGet)
	return s.diskCache, nil
}

func (s *Symbolicator) initAdmin() (services.Service, error) {
	r := s.Server.Router
	r.Handle("/metrics", promhttp.HandlerFor(s.gath, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/config", func(w http.ResponseWriter, _ *http.Request) {
		util.WriteYAMLResponse(w, s.Cfg)
	}).Methods(http.MethodGet)
	return nil, nil
}

func keyFromRequest(r *http.Request) (symbols.Key, error) {
	vars := mux.Vars(r)
	return symbols.NewKey(vars["debug_filename"], vars["debug_id"], vars["sym_filename"])
}

// symbolURLHandler redirects to where the symbol file can be downloaded.
func (s *Symbolicator) symbolURLHandler(w http.ResponseWriter, r *http.Request) {
	k, err := keyFromRequest(r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := s.resolver.GetSymbolURL(r.Context(), k, symbolication.TryOption(r))
	switch {
	case err == nil && u == "", errors.Is(err, symbols.ErrSymbolNotFound):
		util.WriteJSONError(w, http.StatusNotFound, "symbol file not found")
	case storage.IsDownloadError(err):
		util.WriteJSONError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		level.Error(s.logger).Log("msg", "symbol lookup failed", "key", k.String(), "err", err)
		util.WriteJSONError(w, http.StatusInternalServerError, "symbol lookup failed")
	default:
		http.Redirect(w, r, u, http.StatusFound)
	}
}

// uploadHandler stores a symbol file in the first writable backend. The
// body is stored as sent, with Content-Encoding recorded alongside it.
func (s *Symbolicator) uploadHandler(w http.ResponseWriter, r *http.Request) {
	k, err := keyFromRequest(r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	md := storage.Metadata{
		Size:            r.ContentLength,
		ContentEncoding: r.Header.Get("Content-Encoding"),
		OriginalMD5:     r.Header.Get(HeaderOriginalMD5),
	}
	if v := r.Header.Get(HeaderOriginalSize); v != "" {
		if md.OriginalSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			util.WriteJSONError(w, http.StatusBadRequest, "invalid "+HeaderOriginalSize+" header")
			return
		}
	}
	opts := symbolication.TryOption(r)
	if err := s.resolver.Upload(r.Context(), k, r.Body, md, opts); err != nil {
		level.Error(s.logger).Log("msg", "symbol upload failed", "key", k.String(), "err", err)
		util.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.engine.Invalidate(r.Context(), k.DebugFilename, k.DebugID); err != nil {
		level.Warn(s.logger).Log("msg", "failed to invalidate offset maps", "key", k.String(), "err", err)
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Symbolicator) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	k, err := symbols.NewKey(vars["debug_filename"], vars["debug_id"], "")
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	errs := multierror.New()
	errs.Add(s.resolver.Invalidate(r.Context(), k))
	errs.Add(s.engine.Invalidate(r.Context(), k.DebugFilename, k.DebugID))
	if err := errs.Err(); err != nil {
		util.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type diskCacheStats struct {
	Files    int    `json:"files"`
	Bytes    uint64 `json:"bytes"`
	MaxBytes uint64 `json:"max_bytes"`
}

func (s *Symbolicator) diskCacheStatsHandler(w http.ResponseWriter, _ *http.Request) {
	files, size := s.diskCache.Stats()
	util.WriteJSONResponse(w, diskCacheStats{Files: files, Bytes: size, MaxBytes: uint64(s.Cfg.DiskCache.MaxSize)})
}
