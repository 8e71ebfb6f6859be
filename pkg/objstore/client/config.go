package client

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/regexp"
)

const (
	// S3 is the value for the S3 storage backend.
	S3 = "s3"

	// Filesystem is the value for the filesystem storage backend.
	Filesystem = "filesystem"

	// InMemory keeps objects in process memory. Useful for tests and local runs.
	InMemory = "inmemory"
)

var (
	SupportedBackends = []string{S3, Filesystem, InMemory}

	ErrUnsupportedStorageBackend        = errors.New("unsupported storage backend")
	ErrInvalidCharactersInStoragePrefix = errors.New("storage prefix contains invalid characters, it may only contain digits and English alphabet letters")

	storagePrefixPattern = regexp.MustCompile(`^[\da-zA-Z]+$`)
)

type S3Config struct {
	Endpoint        string         `yaml:"endpoint"`
	Region          string         `yaml:"region"`
	BucketName      string         `yaml:"bucket_name"`
	AccessKeyID     string         `yaml:"access_key_id"`
	SecretAccessKey flagext.Secret `yaml:"secret_access_key"`
	Insecure        bool           `yaml:"insecure" category:"advanced"`
	ForcePathStyle  bool           `yaml:"force_path_style" category:"advanced"`
	IdleConnTimeout time.Duration  `yaml:"idle_conn_timeout" category:"advanced"`
}

func (cfg *S3Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+"s3.endpoint", "", "The S3 bucket endpoint. It could be an AWS S3 endpoint listed at https://docs.aws.amazon.com/general/latest/gr/s3.html or the address of an S3-compatible service in hostname:port format.")
	f.StringVar(&cfg.Region, prefix+"s3.region", "", "S3 region. If unset, the client will issue a S3 GetBucketLocation API call to autodetect it.")
	f.StringVar(&cfg.BucketName, prefix+"s3.bucket-name", "", "S3 bucket name")
	f.StringVar(&cfg.AccessKeyID, prefix+"s3.access-key-id", "", "S3 access key ID")
	f.Var(&cfg.SecretAccessKey, prefix+"s3.secret-access-key", "S3 secret access key")
	f.BoolVar(&cfg.Insecure, prefix+"s3.insecure", false, "If enabled, use http:// for the S3 endpoint instead of https://. This could be useful in local dev/test environments while using an S3-compatible backend storage, like Minio.")
	f.BoolVar(&cfg.ForcePathStyle, prefix+"s3.force-path-style", false, "Set this to `true` to force the bucket lookup to be using path-style.")
	f.DurationVar(&cfg.IdleConnTimeout, prefix+"s3.idle-conn-timeout", 90*time.Second, "The time an idle connection will remain idle before closing.")
}

type FilesystemConfig struct {
	Directory string `yaml:"dir"`
}

func (cfg *FilesystemConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Directory, prefix+"filesystem.dir", "./data-symbols", "Local filesystem storage directory.")
}

// StorageBackendConfig holds configuration for accessing long-term storage.
type StorageBackendConfig struct {
	Backend string `yaml:"backend"`

	S3         S3Config         `yaml:"s3"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
}

func (cfg *StorageBackendConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.S3.RegisterFlagsWithPrefix(prefix, f)
	cfg.Filesystem.RegisterFlagsWithPrefix(prefix, f)
	f.StringVar(&cfg.Backend, prefix+"backend", InMemory, fmt.Sprintf("Backend storage to use. Supported backends are: %s.", strings.Join(SupportedBackends, ", ")))
}

func (cfg *StorageBackendConfig) Validate() error {
	switch cfg.Backend {
	case S3:
		if cfg.S3.BucketName == "" {
			return errors.New("s3 bucket name is required")
		}
	case Filesystem:
		if cfg.Filesystem.Directory == "" {
			return errors.New("filesystem directory is required")
		}
	case InMemory:
	default:
		return ErrUnsupportedStorageBackend
	}
	return nil
}

// Config holds configuration for accessing long-term storage.
type Config struct {
	StorageBackendConfig `yaml:",inline"`

	StoragePrefix string `yaml:"prefix"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.StorageBackendConfig.RegisterFlagsWithPrefix(prefix, f)
	f.StringVar(&cfg.StoragePrefix, prefix+"prefix", "", "Prefix for all objects stored in the backend storage. For simplicity, it may only contain digits and English alphabet letters.")
}

func (cfg *Config) Validate() error {
	if cfg.StoragePrefix != "" {
		if !storagePrefixPattern.MatchString(cfg.StoragePrefix) {
			return ErrInvalidCharactersInStoragePrefix
		}
	}
	return cfg.StorageBackendConfig.Validate()
}
