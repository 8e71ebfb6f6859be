package kvcache

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/gomodule/redigo/redis"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

type RedisConfig struct {
	Endpoint    string         `yaml:"endpoint"`
	Password    flagext.Secret `yaml:"password"`
	DB          int            `yaml:"db"`
	KeyPrefix   string         `yaml:"key_prefix"`
	Timeout     time.Duration  `yaml:"timeout" category:"advanced"`
	MaxIdle     int            `yaml:"max_idle_connections" category:"advanced"`
	MaxActive   int            `yaml:"max_active_connections" category:"advanced"`
	IdleTimeout time.Duration  `yaml:"idle_timeout" category:"advanced"`
}

func (cfg *RedisConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+".endpoint", "", "Redis server address, host:port.")
	f.Var(&cfg.Password, prefix+".password", "Password used to authenticate against Redis.")
	f.IntVar(&cfg.DB, prefix+".db", 0, "Redis database index.")
	f.StringVar(&cfg.KeyPrefix, prefix+".key-prefix", "symbolicator:", "Prefix prepended to every key.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 500*time.Millisecond, "Dial, read and write timeout for Redis operations.")
	f.IntVar(&cfg.MaxIdle, prefix+".max-idle-connections", 16, "Maximum number of idle connections in the pool.")
	f.IntVar(&cfg.MaxActive, prefix+".max-active-connections", 64, "Maximum number of connections allocated by the pool. 0 means no limit.")
	f.DurationVar(&cfg.IdleTimeout, prefix+".idle-timeout", 5*time.Minute, "Close connections after remaining idle for this duration.")
}

func (cfg *RedisConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("redis endpoint is required")
	}
	return nil
}

// Redis is a Cache shared across instances.
type Redis struct {
	pool   *redis.Pool
	prefix string
	logger log.Logger
}

func NewRedis(cfg RedisConfig, name string, logger log.Logger) *Redis {
	opts := []redis.DialOption{
		redis.DialConnectTimeout(cfg.Timeout),
		redis.DialReadTimeout(cfg.Timeout),
		redis.DialWriteTimeout(cfg.Timeout),
		redis.DialDatabase(cfg.DB),
	}
	if pw := cfg.Password.String(); pw != "" {
		opts = append(opts, redis.DialPassword(pw))
	}
	pool := &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: cfg.IdleTimeout,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", cfg.Endpoint, opts...)
		},
	}
	return &Redis{
		pool:   pool,
		prefix: cfg.KeyPrefix + name + ":",
		logger: log.With(logger, "cache", name),
	}
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "redis connection")
	}
	defer conn.Close()

	v, err := redis.Bytes(conn.Do("GET", c.prefix+key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis get %s", key)
	}
	return v, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redis connection")
	}
	defer conn.Close()

	args := []interface{}{c.prefix + key, value}
	if ms := ttl.Milliseconds(); ms > 0 {
		args = append(args, "PX", ms)
	}
	if _, err = conn.Do("SET", args...); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redis connection")
	}
	defer conn.Close()

	if _, err = conn.Do("DEL", c.prefix+key); err != nil {
		return errors.Wrapf(err, "redis delete %s", key)
	}
	return nil
}

func (c *Redis) Close() error {
	return c.pool.Close()
}
