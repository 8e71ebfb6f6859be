package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/thanos-io/objstore"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

	errStopIter = errors.New("stop iteration")
)

// BucketBackend serves symbol files out of a generic object-store bucket.
// Buckets keep no content-encoding metadata, so the encoding is sniffed
// from the leading bytes of the object.
type BucketBackend struct {
	desc    Descriptor
	name    string
	bucket  objstore.Bucket
	metrics *Metrics
	logger  log.Logger
}

func NewBucketBackend(desc Descriptor, name string, bkt objstore.Bucket, m *Metrics, logger log.Logger) *BucketBackend {
	if desc.BaseURL == "" {
		desc.BaseURL = "bucket://" + name
	}
	return &BucketBackend{
		desc:    desc,
		name:    name,
		bucket:  bkt,
		metrics: m,
		logger:  log.With(logger, "backend", desc.BaseURL),
	}
}

func (b *BucketBackend) Name() string           { return b.name }
func (b *BucketBackend) Descriptor() Descriptor { return b.desc }

func (b *BucketBackend) Exists(ctx context.Context) (bool, error) {
	err := b.bucket.Iter(ctx, "", func(string) error { return errStopIter })
	if err != nil && !errors.Is(err, errStopIter) {
		return false, b.translate("exists", err)
	}
	return true, nil
}

func (b *BucketBackend) ObjectMetadata(ctx context.Context, key string) (md *Metadata, err error) {
	start := time.Now()
	defer func() { b.metrics.observe(b.name, "head", metadataStatus(md, err), time.Since(start).Seconds()) }()

	attrs, err := b.bucket.Attributes(ctx, key)
	if err != nil {
		err = b.translate("head", err)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	md = &Metadata{
		Size:         attrs.Size,
		LastModified: attrs.LastModified,
		URL:          b.desc.BaseURL + "/" + key,
	}
	if attrs.Size >= int64(len(zstdMagic)) {
		rc, err := b.bucket.GetRange(ctx, key, 0, int64(len(zstdMagic)))
		if err != nil {
			return nil, b.translate("head", err)
		}
		head, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, newStorageError(b.name, "head", err)
		}
		md.ContentEncoding = sniffEncoding(head)
	}
	return md, nil
}

func (b *BucketBackend) Get(ctx context.Context, key string) (_ io.ReadCloser, _ *Metadata, err error) {
	start := time.Now()
	defer func() { b.metrics.observe(b.name, "get", statusOf(err), time.Since(start).Seconds()) }()

	rc, err := b.bucket.Get(ctx, key)
	if err != nil {
		return nil, nil, b.translate("get", err)
	}
	br := bufio.NewReader(rc)
	head, _ := br.Peek(len(zstdMagic))
	md := &Metadata{
		Size:            -1,
		ContentEncoding: sniffEncoding(head),
		URL:             b.desc.BaseURL + "/" + key,
	}
	if size, err := objstore.TryToGetSize(rc); err == nil {
		md.Size = size
	}
	return &bufferedReadCloser{Reader: br, Closer: rc}, md, nil
}

func (b *BucketBackend) Upload(ctx context.Context, key string, r io.Reader, _ Metadata) (err error) {
	start := time.Now()
	defer func() { b.metrics.observe(b.name, "upload", statusOf(err), time.Since(start).Seconds()) }()

	if err = b.bucket.Upload(ctx, key, r); err != nil {
		return b.translate("upload", err)
	}
	return nil
}

func (b *BucketBackend) translate(op string, err error) error {
	switch {
	case b.bucket.IsObjNotFoundErr(err):
		return ErrNotFound
	case b.bucket.IsAccessDeniedErr(err):
		return &DownloadError{Backend: b.name, URL: b.desc.BaseURL, StatusCode: 403}
	}
	return newStorageError(b.name, op, err)
}

func sniffEncoding(head []byte) string {
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return "zstd"
	case bytes.HasPrefix(head, gzipMagic):
		return "gzip"
	}
	return ""
}

type bufferedReadCloser struct {
	io.Reader
	io.Closer
}
