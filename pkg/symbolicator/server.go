package symbolicator

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/symbolicator/pkg/util"
)

// Server is the HTTP server run as a service. Routes are registered on
// Router before the service starts.
type Server struct {
	services.Service

	cfg    ServerConfig
	Router *mux.Router
	srv    *http.Server
	lis    net.Listener
	logger log.Logger
}

func NewServer(cfg ServerConfig, logger log.Logger, reg prometheus.Registerer) *Server {
	router := mux.NewRouter()
	router.Use(instrument(reg), util.RecoveryHTTPMiddleware.Wrap)
	s := &Server{
		cfg:    cfg,
		Router: router,
		logger: log.With(logger, "component", "server"),
	}
	s.srv = &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Server) starting(context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return errors.Wrap(err, "listening for http")
	}
	s.lis = lis
	level.Info(s.logger).Log("msg", "server listening on addresses", "http", lis.Addr().String())
	return nil
}

func (s *Server) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.lis)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// instrument records request durations by route template, so that symbol
// paths do not blow up the label cardinality.
func instrument(reg prometheus.Registerer) mux.MiddlewareFunc {
	duration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "symbolicator_request_duration_seconds",
		Help:    "Time spent serving HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status_code"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			route := "other"
			if cr := mux.CurrentRoute(r); cr != nil {
				if tpl, err := cr.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			duration.WithLabelValues(r.Method, route, strconv.Itoa(m.Code)).Observe(m.Duration.Seconds())
		})
	}
}

// Addr is the address the server listens on once started.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}
