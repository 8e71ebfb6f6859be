package kvcache

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/atomic"
)

type LRUConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxTTL     time.Duration `yaml:"max_ttl" category:"advanced"`
}

func (cfg *LRUConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxEntries, prefix+".max-entries", 10000, "Maximum number of entries kept in the in-process cache.")
	f.DurationVar(&cfg.MaxTTL, prefix+".max-ttl", 24*time.Hour, "Upper bound for the lifetime of any in-process cache entry, regardless of the TTL requested on set.")
}

func (cfg *LRUConfig) Validate() error {
	if cfg.MaxEntries < 1 {
		return fmt.Errorf("invalid in-memory cache max entries %d, must be positive", cfg.MaxEntries)
	}
	if cfg.MaxTTL <= 0 {
		return fmt.Errorf("invalid in-memory cache max ttl %s, must be positive", cfg.MaxTTL)
	}
	return nil
}

type lruEntry struct {
	value   []byte
	expires time.Time
}

// LRU is an in-process Cache bounded by entry count. Entries carry their own
// expiry on top of the cache-wide MaxTTL.
type LRU struct {
	name string
	lru  *expirable.LRU[string, lruEntry]
	m    *metrics

	// deleting holds the key currently removed through Delete, so the
	// eviction callback does not count explicit deletes as evictions.
	mu       sync.Mutex
	deleting atomic.String
	now      func() time.Time
}

// NewLRU returns an uninstrumented in-process cache.
func NewLRU(cfg LRUConfig) *LRU {
	return newLRU(cfg, "inmemory", newMetrics(nil))
}

func newLRU(cfg LRUConfig, name string, m *metrics) *LRU {
	c := &LRU{name: name, m: m, now: time.Now}
	c.lru = expirable.NewLRU[string, lruEntry](cfg.MaxEntries, c.onEvict, cfg.MaxTTL)
	return c
}

func (c *LRU) onEvict(key string, _ lruEntry) {
	if key == c.deleting.Load() {
		return
	}
	c.m.evictions.WithLabelValues(c.name).Inc()
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *LRU) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := lruEntry{value: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.lru.Add(key, e)
	c.mu.Unlock()
	c.m.entries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
	return nil
}

func (c *LRU) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	c.deleting.Store(key)
	c.lru.Remove(key)
	c.deleting.Store("")
	c.mu.Unlock()
	c.m.entries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
	return nil
}

func (c *LRU) Len() int {
	return c.lru.Len()
}
