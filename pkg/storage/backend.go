// Package storage abstracts the providers symbol files are read from: public
// HTTP mirrors, authenticated S3-compatible object stores and generic
// object-store buckets.
package storage

import (
	"context"
	"io"
	"time"
)

// Metadata describes a stored symbol file.
type Metadata struct {
	// Size is the stored (possibly compressed) content length.
	Size int64
	// ContentEncoding is the encoding the stored bytes are in, e.g. "gzip".
	// Empty means identity.
	ContentEncoding string
	// OriginalSize and OriginalMD5 describe the content before compression,
	// when the uploader recorded them.
	OriginalSize int64
	OriginalMD5  string
	// URL is where a client can download the object from. For private
	// backends this is a short-lived signed URL.
	URL          string
	LastModified time.Time
}

// Descriptor is the configured identity of a backend.
type Descriptor struct {
	BaseURL string `yaml:"url"`
	Public  bool   `yaml:"public"`
	// Try backends hold the separately-namespaced try symbols and are only
	// consulted when a lookup explicitly asks for them.
	Try bool `yaml:"try"`
	// Prefix is an optional version segment prepended to object keys.
	Prefix string `yaml:"prefix"`
}

// Backend is a uniform view over one storage provider. Implementations
// perform network calls only and never cache results.
type Backend interface {
	Name() string
	Descriptor() Descriptor

	// Exists reports whether the backend itself (bucket or mirror root) is
	// reachable. A clean "not found" is false with a nil error.
	Exists(ctx context.Context) (bool, error)

	// ObjectMetadata returns nil and a nil error when the key is absent.
	ObjectMetadata(ctx context.Context, key string) (*Metadata, error)

	// Get returns ErrNotFound when the key is absent. The returned stream
	// is the stored bytes as-is; decoding is up to the caller.
	Get(ctx context.Context, key string) (io.ReadCloser, *Metadata, error)

	// Upload writes the object, overwriting any previous content.
	Upload(ctx context.Context, key string, r io.Reader, md Metadata) error
}

const (
	metaOriginalSize = "original-size"
	metaOriginalMD5  = "original-md5"

	amzMetaPrefix = "x-amz-meta-"
)
