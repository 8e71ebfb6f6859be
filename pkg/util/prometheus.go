package util

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterOrGet registers c, or returns the collector registered earlier
// under the same descriptor. Several named caches share one set of vectors
// this way. A nil reg skips registration.
func RegisterOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	switch err := reg.Register(c); {
	case err == nil:
		return c
	case errors.As(err, &already):
		return already.ExistingCollector.(T)
	default:
		panic(err)
	}
}
