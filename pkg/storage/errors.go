package storage

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is the normal negative result of a lookup.
var ErrNotFound = errors.New("object not found")

// StorageError wraps transport and provider failures (connection errors,
// timeouts, decode errors) uniformly. Callers treat it as a miss for the
// backend that produced it.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DownloadError reports a status that is neither success nor not-found. It
// points at a misconfigured or unavailable backend rather than a missing
// file.
type DownloadError struct {
	Backend    string
	URL        string
	StatusCode int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("unexpected status %d %s from %s (%s)", e.StatusCode, http.StatusText(e.StatusCode), e.Backend, e.URL)
}

func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func IsDownloadError(err error) bool {
	var de *DownloadError
	return errors.As(err, &de)
}

func newStorageError(backend, op string, err error) error {
	return &StorageError{Backend: backend, Op: op, Err: err}
}
