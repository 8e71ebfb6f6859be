package util

import (
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxStackSize = 8 << 10

var (
	panicLogger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	recoveredPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "symbolicator_recovered_panics_total",
		Help: "Number of panics recovered in HTTP handlers and symbolication jobs.",
	}, []string{"where"})

	// RecoveryHTTPMiddleware answers 500 instead of dropping the connection
	// when a handler panics.
	RecoveryHTTPMiddleware = middleware.Func(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					err := recovered(p, "http", "path", r.URL.Path)
					WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("error while processing request: %v", err))
				}
			}()
			next.ServeHTTP(w, r)
		})
	})
)

func recovered(p interface{}, where string, keyvals ...interface{}) error {
	stack := make([]byte, maxStackSize)
	stack = stack[:runtime.Stack(stack, false)]
	recoveredPanics.WithLabelValues(where).Inc()
	keyvals = append(keyvals, "msg", "recovered from panic", "panic", p, "stack", string(stack))
	level.Error(panicLogger).Log(keyvals...)
	return fmt.Errorf("%v", p)
}

// RecoverPanic wraps f so that a panic is returned as an error, which lets
// it run under an errgroup.
func RecoverPanic(f func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = recovered(p, "job")
			}
		}()
		return f()
	}
}
