// Package symbolicator wires the storage backends, resolver, symbolication
// engine and disk cache into one process.
package symbolicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"

	"github.com/grafana/symbolicator/pkg/diskcache"
	"github.com/grafana/symbolicator/pkg/kvcache"
	"github.com/grafana/symbolicator/pkg/storage"
	"github.com/grafana/symbolicator/pkg/symbolication"
	"github.com/grafana/symbolicator/pkg/symbols"
)

type Symbolicator struct {
	Cfg    Config
	logger log.Logger
	reg    prometheus.Registerer
	gath   prometheus.Gatherer

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
	manager       *services.Manager

	Server      *Server
	backends    []storage.Backend
	lookupCache kvcache.Cache
	mapCache    kvcache.Cache
	resolver    *symbols.Resolver
	engine      *symbolication.Engine
	diskCache   *diskcache.Manager
	closers     []io.Closer
	started     chan struct{}
}

// New validates cfg and prepares the modules. Metrics go to the default
// registry.
func New(cfg Config, logger log.Logger) (*Symbolicator, error) {
	return newSymbolicator(cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newSymbolicator(cfg Config, logger log.Logger, reg prometheus.Registerer, gath prometheus.Gatherer) (*Symbolicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Symbolicator{
		Cfg:     cfg,
		logger:  logger,
		reg:     reg,
		gath:    gath,
		started: make(chan struct{}),
	}
	if err := s.setupModuleManager(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Symbolicator) setupModuleManager() error {
	mm := modules.NewManager(s.logger)

	mm.RegisterModule(ServerModule, s.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Storage, s.initStorage, modules.UserInvisibleModule)
	mm.RegisterModule(Caches, s.initCaches, modules.UserInvisibleModule)
	mm.RegisterModule(Resolver, s.initResolver, modules.UserInvisibleModule)
	mm.RegisterModule(Symbolication, s.initSymbolication)
	mm.RegisterModule(SymbolsAPI, s.initSymbolsAPI)
	mm.RegisterModule(DiskCache, s.initDiskCache)
	mm.RegisterModule(Admin, s.initAdmin, modules.UserInvisibleModule)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		All:           {Symbolication, SymbolsAPI, DiskCache},
		Resolver:      {Storage, Caches},
		Symbolication: {ServerModule, Resolver, Admin},
		SymbolsAPI:    {ServerModule, Resolver, Symbolication, Admin},
		DiskCache:     {ServerModule, Admin},
		Admin:         {ServerModule},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}
	s.ModuleManager = mm
	return nil
}

// Run starts the selected modules and blocks until ctx is cancelled or a
// module fails.
func (s *Symbolicator) Run(ctx context.Context) error {
	serviceMap, err := s.ModuleManager.InitModuleServices(s.Cfg.Target...)
	if err != nil {
		return err
	}
	s.serviceMap = serviceMap
	defer s.close()

	servs := make([]services.Service, 0, len(serviceMap))
	for _, svc := range serviceMap {
		servs = append(servs, svc)
	}
	sm, err := services.NewManager(servs...)
	if err != nil {
		return err
	}
	s.manager = sm

	healthy := func() {
		level.Info(s.logger).Log("msg", "symbolicator started", "version", version.Info())
		close(s.started)
	}
	stopped := func() { level.Info(s.logger).Log("msg", "symbolicator stopped") }
	serviceFailed := func(service services.Service) {
		sm.StopAsync()
		for m, svc := range serviceMap {
			if svc == service {
				level.Error(s.logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(s.logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	go func() {
		<-ctx.Done()
		sm.StopAsync()
	}()

	if err = sm.StartAsync(context.Background()); err == nil {
		err = sm.AwaitStopped(context.Background())
	}
	if err == nil && len(sm.ServicesByState()[services.Failed]) > 0 {
		err = errors.New("failed services")
	}
	return err
}

// Started is closed once every module is running.
func (s *Symbolicator) Started() <-chan struct{} { return s.started }

// Ready reports whether all services run and every backend is reachable.
func (s *Symbolicator) Ready(ctx context.Context) error {
	if s.manager == nil || !s.manager.IsHealthy() {
		var msg strings.Builder
		msg.WriteString("some services are not running")
		if s.manager != nil {
			for st, ls := range s.manager.ServicesByState() {
				fmt.Fprintf(&msg, ", %v: %d", st, len(ls))
			}
		}
		return errors.New(msg.String())
	}
	for _, b := range s.backends {
		ok, err := b.Exists(ctx)
		if err != nil {
			return fmt.Errorf("backend %s: %w", b.Name(), err)
		}
		if !ok {
			return fmt.Errorf("backend %s does not exist", b.Name())
		}
	}
	return nil
}

func (s *Symbolicator) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Ready(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "ready", http.StatusOK)
}

func (s *Symbolicator) close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			level.Warn(s.logger).Log("msg", "failed to close", "err", err)
		}
	}
}
