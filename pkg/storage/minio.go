package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBackend reads symbol files from an authenticated S3-compatible bucket.
// Download URLs are presigned and expire after SignedURLExpiry.
type MinioBackend struct {
	desc    Descriptor
	name    string
	bucket  string
	prefix  string
	client  *minio.Client
	expiry  time.Duration
	timeout time.Duration
	metrics *Metrics
	logger  log.Logger
}

// NewMinioBackend creates a backend for a descriptor whose base URL has the
// form http(s)://<endpoint>/<bucket>[/<path prefix>].
func NewMinioBackend(desc Descriptor, cfg S3Config, m *Metrics, logger log.Logger) (*MinioBackend, error) {
	u, err := url.Parse(desc.BaseURL)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, errors.New("s3 backend url must include the bucket name: " + desc.BaseURL)
	}
	var keyPrefix string
	if len(parts) == 2 {
		keyPrefix = parts[1]
	}
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey.String(), ""),
		Secure: u.Scheme == "https",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return &MinioBackend{
		desc:    desc,
		name:    u.Host + "/" + parts[0],
		bucket:  parts[0],
		prefix:  keyPrefix,
		client:  client,
		expiry:  cfg.SignedURLExpiry,
		timeout: cfg.Timeout,
		metrics: m,
		logger:  log.With(logger, "backend", desc.BaseURL),
	}, nil
}

func (b *MinioBackend) Name() string           { return b.name }
func (b *MinioBackend) Descriptor() Descriptor { return b.desc }

func (b *MinioBackend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *MinioBackend) Exists(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ok, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return false, b.translate("exists", err)
	}
	return ok, nil
}

func (b *MinioBackend) ObjectMetadata(ctx context.Context, key string) (md *Metadata, err error) {
	start := time.Now()
	defer func() { b.metrics.observe(b.name, "head", metadataStatus(md, err), time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	info, err := b.client.StatObject(ctx, b.bucket, b.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		err = b.translate("head", err)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	signed, err := b.client.PresignedGetObject(ctx, b.bucket, b.objectKey(key), b.expiry, url.Values{})
	if err != nil {
		return nil, newStorageError(b.name, "presign", err)
	}
	md = metadataFromObjectInfo(info)
	md.URL = signed.String()
	return md, nil
}

func (b *MinioBackend) Get(ctx context.Context, key string) (_ io.ReadCloser, _ *Metadata, err error) {
	start := time.Now()
	defer func() { b.metrics.observe(b.name, "get", statusOf(err), time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		cancel()
		return nil, nil, b.translate("get", err)
	}
	// GetObject is lazy; Stat issues the request and surfaces a missing key.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		cancel()
		return nil, nil, b.translate("get", err)
	}
	md := metadataFromObjectInfo(info)
	md.URL = b.desc.BaseURL + "/" + key
	return &cancelOnClose{ReadCloser: obj, cancel: cancel}, md, nil
}

func (b *MinioBackend) Upload(ctx context.Context, key string, r io.Reader, md Metadata) (err error) {
	start := time.Now()
	defer func() { b.metrics.observe(b.name, "upload", statusOf(err), time.Since(start).Seconds()) }()

	size := md.Size
	if size == 0 {
		size = -1
	}
	_, err = b.client.PutObject(ctx, b.bucket, b.objectKey(key), r, size, minio.PutObjectOptions{
		ContentEncoding: md.ContentEncoding,
		UserMetadata:    userMetadata(md),
	})
	if err != nil {
		return b.translate("upload", err)
	}
	return nil
}

// translate maps minio errors onto the storage error taxonomy.
func (b *MinioBackend) translate(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return ErrNotFound
	case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusForbidden
		}
		return &DownloadError{Backend: b.name, URL: b.desc.BaseURL, StatusCode: status}
	}
	return newStorageError(b.name, op, err)
}

func metadataFromObjectInfo(info minio.ObjectInfo) *Metadata {
	md := &Metadata{
		Size:         info.Size,
		LastModified: info.LastModified,
	}
	md.ContentEncoding = info.Metadata.Get("Content-Encoding")
	if v := info.UserMetadata[userMetaKey(metaOriginalSize)]; v != "" {
		md.OriginalSize, _ = strconv.ParseInt(v, 10, 64)
	} else if v := info.Metadata.Get(amzMetaPrefix + metaOriginalSize); v != "" {
		md.OriginalSize, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := info.UserMetadata[userMetaKey(metaOriginalMD5)]; v != "" {
		md.OriginalMD5 = v
	} else {
		md.OriginalMD5 = info.Metadata.Get(amzMetaPrefix + metaOriginalMD5)
	}
	return md
}

// userMetaKey is the canonical form minio-go uses for UserMetadata keys.
func userMetaKey(k string) string {
	return http.CanonicalHeaderKey(k)
}
