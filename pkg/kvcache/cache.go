// Package kvcache provides the byte-oriented key-value cache shared by the
// symbol resolver (lookup results) and the symbolication engine (parsed
// offset maps).
package kvcache

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	BackendInMemory = "inmemory"
	BackendRedis    = "redis"
)

// Cache is a key-value cache with per-entry TTL. Implementations must be
// safe for concurrent use. A missing key is reported as found=false with a
// nil error.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Config struct {
	Backend  string      `yaml:"backend"`
	InMemory LRUConfig   `yaml:"inmemory"`
	Redis    RedisConfig `yaml:"redis"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+".backend", BackendInMemory, fmt.Sprintf("Cache backend. Supported values: %s, %s.", BackendInMemory, BackendRedis))
	cfg.InMemory.RegisterFlagsWithPrefix(prefix+".inmemory", f)
	cfg.Redis.RegisterFlagsWithPrefix(prefix+".redis", f)
}

func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendInMemory:
		return cfg.InMemory.Validate()
	case BackendRedis:
		return cfg.Redis.Validate()
	default:
		return fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

// New creates the configured cache, instrumented under the given name.
func New(cfg Config, name string, logger log.Logger, reg prometheus.Registerer) (Cache, error) {
	m := newMetrics(reg)
	var c Cache
	switch cfg.Backend {
	case BackendInMemory:
		c = newLRU(cfg.InMemory, name, m)
	case BackendRedis:
		c = NewRedis(cfg.Redis, name, logger)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
	return instrument(c, name, m), nil
}
