package symbolication

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/grafana/symbolicator/pkg/symbols"
	"github.com/grafana/symbolicator/pkg/util"
)

// RegisterRoutes mounts the symbolication endpoints on r.
func (e *Engine) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/symbolicate/v4", e.ServeV4).Methods(http.MethodPost)
	r.HandleFunc("/symbolicate/v5", e.ServeV5).Methods(http.MethodPost)
}

func (e *Engine) ServeV4(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	job, err := ParseV4(body)
	if err != nil {
		e.writeError(w, err)
		return
	}
	results, err := e.Symbolicate(r.Context(), "v4", []Job{job}, TryOption(r))
	if err != nil {
		e.writeError(w, err)
		return
	}
	util.WriteJSONResponse(w, FormatV4(results[0]))
}

func (e *Engine) ServeV5(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	jobs, debug, err := ParseV5(body, e.cfg.MaxJobs)
	if err != nil {
		e.writeError(w, err)
		return
	}
	results, err := e.Symbolicate(r.Context(), "v5", jobs, TryOption(r))
	if err != nil {
		e.writeError(w, err)
		return
	}
	util.WriteJSONResponse(w, FormatV5(results, debug, time.Since(start)))
}

func (e *Engine) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if e.cfg.MaxRequestBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, e.cfg.MaxRequestBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			util.WriteJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		util.WriteJSONError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

func (e *Engine) writeError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		util.WriteJSONError(w, http.StatusBadRequest, verr.Error())
		return
	}
	level.Error(e.logger).Log("msg", "symbolication failed", "err", err)
	util.WriteJSONError(w, http.StatusInternalServerError, "internal error")
}

// TryOption reports whether the request asked to include try storage.
func TryOption(r *http.Request) symbols.Options {
	switch r.URL.Query().Get("try") {
	case "1", "true":
		return symbols.Options{Try: true}
	}
	return symbols.Options{}
}
