package client

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"github.com/thanos-io/objstore/providers/s3"
)

// NewBucket creates a new bucket client based on the configured backend.
func NewBucket(cfg Config, name string, logger log.Logger, reg prometheus.Registerer) (objstore.Bucket, error) {
	var (
		backendClient objstore.Bucket
		err           error
	)
	switch cfg.Backend {
	case S3:
		backendClient, err = s3.NewBucketWithConfig(logger, newS3Config(cfg.S3), name, nil)
	case Filesystem:
		backendClient, err = filesystem.NewBucket(cfg.Filesystem.Directory)
	case InMemory:
		backendClient = objstore.NewInMemBucket()
	default:
		return nil, ErrUnsupportedStorageBackend
	}
	if err != nil {
		return nil, err
	}

	bkt := objstore.WrapWithMetrics(backendClient, reg, name)
	if cfg.StoragePrefix != "" {
		return objstore.NewPrefixedBucket(bkt, cfg.StoragePrefix), nil
	}
	return bkt, nil
}

func newS3Config(cfg S3Config) s3.Config {
	lookup := s3.AutoLookup
	if cfg.ForcePathStyle {
		lookup = s3.PathLookup
	}
	c := s3.Config{
		Bucket:           cfg.BucketName,
		Endpoint:         cfg.Endpoint,
		Region:           cfg.Region,
		AccessKey:        cfg.AccessKeyID,
		SecretKey:        cfg.SecretAccessKey.String(),
		Insecure:         cfg.Insecure,
		BucketLookupType: lookup,
		HTTPConfig: s3.HTTPConfig{
			IdleConnTimeout:       model.Duration(cfg.IdleConnTimeout),
			ResponseHeaderTimeout: model.Duration(2 * time.Minute),
			TLSHandshakeTimeout:   model.Duration(10 * time.Second),
			ExpectContinueTimeout: model.Duration(time.Second),
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
		},
	}
	return c
}
