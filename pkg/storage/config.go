package storage

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolicator/pkg/objstore/client"
	"github.com/grafana/symbolicator/pkg/util"
)

const (
	TypeHTTP   = "http"
	TypeS3     = "s3"
	TypeBucket = "bucket"
)

type HTTPConfig struct {
	Timeout time.Duration  `yaml:"timeout"`
	Backoff backoff.Config `yaml:"backoff_config"`
	// A mirror that keeps failing is skipped for BreakerOpenTimeout once
	// BreakerFailures consecutive requests failed.
	BreakerFailures    int           `yaml:"circuit_breaker_failures" category:"advanced"`
	BreakerOpenTimeout time.Duration `yaml:"circuit_breaker_open_timeout" category:"advanced"`
}

func (cfg *HTTPConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 10*time.Second, "Timeout of a single request to a public symbol mirror, including retries.")
	f.DurationVar(&cfg.Backoff.MinBackoff, prefix+".backoff-min-period", 100*time.Millisecond, "Minimum delay when backing off.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, prefix+".backoff-max-period", time.Second, "Maximum delay when backing off.")
	f.IntVar(&cfg.Backoff.MaxRetries, prefix+".backoff-retries", 3, "Number of attempts for a transient mirror failure.")
	f.IntVar(&cfg.BreakerFailures, prefix+".circuit-breaker-failures", 5, "Consecutive failed requests after which a mirror is skipped. 0 disables the circuit breaker.")
	f.DurationVar(&cfg.BreakerOpenTimeout, prefix+".circuit-breaker-open-timeout", 30*time.Second, "How long a mirror is skipped once its circuit breaker opened.")
}

type S3Config struct {
	Region          string         `yaml:"region"`
	AccessKeyID     string         `yaml:"access_key_id"`
	SecretAccessKey flagext.Secret `yaml:"secret_access_key"`
	SignedURLExpiry time.Duration  `yaml:"signed_url_expiry"`
	Timeout         time.Duration  `yaml:"timeout"`
}

func (cfg *S3Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Region, prefix+".region", "us-east-1", "Region of the authenticated symbol buckets. Presigning needs no network call when this is set.")
	f.StringVar(&cfg.AccessKeyID, prefix+".access-key-id", "", "Access key ID for the authenticated symbol buckets.")
	f.Var(&cfg.SecretAccessKey, prefix+".secret-access-key", "Secret access key for the authenticated symbol buckets.")
	f.DurationVar(&cfg.SignedURLExpiry, prefix+".signed-url-expiry", 5*time.Minute, "Lifetime of presigned download URLs.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 10*time.Second, "Timeout of a single object storage call.")
}

// BackendConfig configures one entry of the ordered backend list.
type BackendConfig struct {
	Descriptor `yaml:",inline"`

	// Type defaults to http for public backends and s3 otherwise.
	Type   string        `yaml:"type"`
	Bucket client.Config `yaml:"bucket"`
}

func (cfg *BackendConfig) Kind() string {
	if cfg.Type != "" {
		return cfg.Type
	}
	if cfg.Public {
		return TypeHTTP
	}
	return TypeS3
}

type Config struct {
	Backends   []BackendConfig        `yaml:"backends"`
	PublicURLs flagext.StringSliceCSV `yaml:"-"`
	HTTP       HTTPConfig             `yaml:"http"`
	S3         S3Config               `yaml:"s3"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var(&cfg.PublicURLs, "storage.public-urls", "Comma separated list of public symbol mirror URLs, queried in order after the configured backends.")
	cfg.HTTP.RegisterFlagsWithPrefix("storage.http", f)
	cfg.S3.RegisterFlagsWithPrefix("storage.s3", f)
}

// BackendConfigs returns the configured backends followed by the public
// mirrors given on the command line.
func (cfg *Config) BackendConfigs() []BackendConfig {
	out := make([]BackendConfig, 0, len(cfg.Backends)+len(cfg.PublicURLs))
	out = append(out, cfg.Backends...)
	for _, u := range cfg.PublicURLs {
		out = append(out, BackendConfig{Descriptor: Descriptor{BaseURL: u, Public: true}})
	}
	return out
}

func (cfg *Config) Validate() error {
	if cfg.HTTP.Backoff.MaxRetries < 1 {
		return errors.New("storage http backoff retries must be at least 1")
	}
	if cfg.S3.SignedURLExpiry <= 0 {
		return errors.New("storage s3 signed url expiry must be positive")
	}
	for i, b := range cfg.BackendConfigs() {
		switch b.Kind() {
		case TypeHTTP, TypeS3:
			if b.BaseURL == "" {
				return fmt.Errorf("storage backend %d: url is required", i)
			}
		case TypeBucket:
			if err := b.Bucket.Validate(); err != nil {
				return errors.Wrapf(err, "storage backend %d", i)
			}
		default:
			return fmt.Errorf("storage backend %d: unsupported type %q", i, b.Type)
		}
	}
	return nil
}

// NewBackends builds the ordered backend list.
func NewBackends(cfg Config, logger log.Logger, reg prometheus.Registerer) ([]Backend, error) {
	m := NewMetrics(reg)
	httpClient := util.NewHTTPClient(cfg.HTTP.Timeout)
	return newBackends(cfg, httpClient, m, logger, reg)
}

func newBackends(cfg Config, httpClient *http.Client, m *Metrics, logger log.Logger, reg prometheus.Registerer) ([]Backend, error) {
	var backends []Backend
	for i, bc := range cfg.BackendConfigs() {
		var (
			b   Backend
			err error
		)
		switch bc.Kind() {
		case TypeHTTP:
			b, err = NewHTTPBackend(bc.Descriptor, httpClient, cfg.HTTP, m, logger)
		case TypeS3:
			b, err = NewMinioBackend(bc.Descriptor, cfg.S3, m, logger)
		case TypeBucket:
			name := fmt.Sprintf("symbols-%d", i)
			bkt, berr := client.NewBucket(bc.Bucket, name, logger, reg)
			if berr != nil {
				return nil, errors.Wrapf(berr, "storage backend %d", i)
			}
			b = NewBucketBackend(bc.Descriptor, name, bkt, m, logger)
		default:
			err = fmt.Errorf("unsupported type %q", bc.Type)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "storage backend %d", i)
		}
		backends = append(backends, b)
	}
	return backends, nil
}
