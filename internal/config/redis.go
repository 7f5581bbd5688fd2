package config

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures the single go-redis Client backing the assignment
// cache and the Query Router's result cache. Deserialized from the
// "redis" section of the root Config.
//
// This service never talks to a
// Redis Cluster deployment, so there is no ClusterConfig/ClusterOptions
// counterpart here: one cache, one node (or a client-side proxy in front of
// one), addressed by URL.
type RedisConfig struct {
	// URL is passed to redis.ParseURL. Required.
	//
	// https://pkg.go.dev/github.com/go-redis/redis/v8?tab=doc#ParseURL
	URL string `yaml:"url"`

	Pool     RedisPoolOptions    `yaml:"pool"`
	Retries  RedisRetryOptions   `yaml:"retries"`
	Timeouts RedisTimeoutOptions `yaml:"timeouts"`
}

// Options returns the redis.Options this config describes, ready to pass to
// redis.NewClient.
func (cfg RedisConfig) Options() (*redis.Options, error) {
	options, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("config: parsing redis.url: %w", err)
	}
	cfg.Pool.apply(options)
	cfg.Retries.apply(options)
	cfg.Timeouts.apply(options)
	return options, nil
}

// RedisPoolOptions configures the Redis client's connection pool. Any zero
// field leaves go-redis's own default in place.
type RedisPoolOptions struct {
	Size                int           `yaml:"size"`
	MinIdleConnections  int           `yaml:"minIdleConnections"`
	MaxConnectionAge    time.Duration `yaml:"maxConnectionAge"`
	Timeout             time.Duration `yaml:"timeout"`
}

func (opts RedisPoolOptions) apply(options *redis.Options) {
	if opts.MinIdleConnections != 0 {
		options.MinIdleConns = opts.MinIdleConnections
	}
	if opts.MaxConnectionAge != 0 {
		options.MaxConnAge = opts.MaxConnectionAge
	}
	if opts.Size != 0 {
		options.PoolSize = opts.Size
	}
	if opts.Timeout != 0 {
		options.PoolTimeout = opts.Timeout
	}
}

// RedisRetryOptions configures go-redis's own command-level retry, distinct
// from and underneath internal/retry's outbox-publish retry loop.
type RedisRetryOptions struct {
	Max        int           `yaml:"max"`
	MinBackoff time.Duration `yaml:"minBackoff"`
	MaxBackoff time.Duration `yaml:"maxBackoff"`
}

func (opts RedisRetryOptions) apply(options *redis.Options) {
	if opts.Max != 0 {
		options.MaxRetries = opts.Max
	}
	if opts.MinBackoff != 0 {
		options.MinRetryBackoff = opts.MinBackoff
	}
	if opts.MaxBackoff != 0 {
		options.MaxRetryBackoff = opts.MaxBackoff
	}
}

// RedisTimeoutOptions configures dial/read/write deadlines, the cache-call
// "fail open to the database" budget: a slow cache must never stall a read.
type RedisTimeoutOptions struct {
	Dial  time.Duration `yaml:"dial"`
	Read  time.Duration `yaml:"read"`
	Write time.Duration `yaml:"write"`
}

func (opts RedisTimeoutOptions) apply(options *redis.Options) {
	if opts.Dial != 0 {
		options.DialTimeout = opts.Dial
	}
	if opts.Read != 0 {
		options.ReadTimeout = opts.Read
	}
	if opts.Write != 0 {
		options.WriteTimeout = opts.Write
	}
}
