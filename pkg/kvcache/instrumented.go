package kvcache

import (
	"context"
	"io"
	"time"
)

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultOK    = "ok"
	resultError = "error"
)

type instrumented struct {
	next Cache
	name string
	m    *metrics
}

func instrument(c Cache, name string, m *metrics) Cache {
	return &instrumented{next: c, name: name, m: m}
}

func (c *instrumented) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := c.next.Get(ctx, key)
	result := resultMiss
	switch {
	case err != nil:
		result = resultError
	case ok:
		result = resultHit
	}
	c.m.requests.WithLabelValues(c.name, "get", result).Inc()
	return v, ok, err
}

func (c *instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.next.Set(ctx, key, value, ttl)
	c.m.requests.WithLabelValues(c.name, "set", status(err)).Inc()
	return err
}

func (c *instrumented) Delete(ctx context.Context, key string) error {
	err := c.next.Delete(ctx, key)
	c.m.requests.WithLabelValues(c.name, "delete", status(err)).Inc()
	return err
}

// Close releases the wrapped cache's resources, if it holds any.
func (c *instrumented) Close() error {
	if closer, ok := c.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}
