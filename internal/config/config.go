// Package config describes the process-wide configuration for expserver,
// deserialized from a single YAML document at process start. Each section owns its own yaml
// tags so it can also be embedded standalone in package tests.
package config

import (
	"fmt"
	"time"

	"github.com/exp-platform/core/internal/admin"
	"github.com/exp-platform/core/internal/breaker"
	"github.com/exp-platform/core/internal/log"
)

// Config is the root document loaded at process start.
type Config struct {
	Log        log.Config       `yaml:"log"`
	Admin      AdminConfig      `yaml:"admin"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Bus        BusConfig        `yaml:"bus"`
	Hash       HashConfig       `yaml:"hash"`
	Breaker    breaker.Config   `yaml:"breaker"`
	Sentry     log.SentryConfig `yaml:"sentry"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
}

// AdminConfig configures the /health and /metrics HTTP server.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// PostgresConfig configures the service's single Postgres connection pool.
// DSN is resolved through internal/secrets rather than embedded directly;
// DSNSecretKey names the credential to look up and render into DSNTemplate.
type PostgresConfig struct {
	DSNTemplate      string        `yaml:"dsnTemplate"`
	DSNSecretKey     string        `yaml:"dsnSecretKey"`
	MaxOpenConns     int           `yaml:"maxOpenConns"`
	MaxIdleConns     int           `yaml:"maxIdleConns"`
	ConnMaxLifetime  time.Duration `yaml:"connMaxLifetime"`
	StatementTimeout time.Duration `yaml:"statementTimeout"`
}

// BusConfig configures the Kafka producer behind the outbox publisher.
type BusConfig struct {
	Brokers           []string      `yaml:"brokers"`
	AssignmentsTopic  string        `yaml:"assignmentsTopic"`
	EventsTopic       string        `yaml:"eventsTopic"`
	ProduceTimeout    time.Duration `yaml:"produceTimeout"`
	RequiredAcks      int16         `yaml:"requiredAcks"`
}

// HashConfig configures the deterministic assignment engine.
type HashConfig struct {
	BucketSize int `yaml:"bucketSize"`
	// Seed is mixed into every bucket computation alongside the
	// experiment's own seed. Changing it reshuffles every experiment in
	// the deployment at once; it exists as an emergency escape hatch and
	// is not expected to change in normal operation.
	Seed string `yaml:"seed"`
}

// EnrichmentConfig configures the optional LLM summary sink. With an empty
// APIKeySecretKey the sink is a no-op; enabling it never changes what the
// metrics endpoints return, only what gets logged alongside them.
type EnrichmentConfig struct {
	APIKeySecretKey string `yaml:"apiKeySecretKey"`
	Model           string `yaml:"model"`
}

// Validate checks the fields this package cannot default its way around.
func (c Config) Validate() error {
	if c.Postgres.DSNTemplate == "" {
		return fmt.Errorf("config: postgres.dsnTemplate is required")
	}
	if c.Hash.BucketSize <= 0 {
		return fmt.Errorf("config: hash.bucketSize must be positive")
	}
	if c.Bus.AssignmentsTopic == "" || c.Bus.EventsTopic == "" {
		return fmt.Errorf("config: bus.assignmentsTopic and bus.eventsTopic are required")
	}
	return nil
}

// FillDefaults applies the defaults this repo runs with in the absence of
// operator-supplied YAML, mirroring log.InitFromConfig's Level default.
func (c *Config) FillDefaults() {
	if c.Admin.Addr == "" {
		c.Admin.Addr = admin.DefaultAdminAddr
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 20
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 5
	}
	if c.Postgres.ConnMaxLifetime == 0 {
		c.Postgres.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Postgres.StatementTimeout == 0 {
		c.Postgres.StatementTimeout = 5 * time.Second
	}
	if c.Hash.BucketSize == 0 {
		c.Hash.BucketSize = 10000
	}
	if c.Hash.Seed == "" {
		c.Hash.Seed = "default"
	}
	if c.Bus.ProduceTimeout == 0 {
		c.Bus.ProduceTimeout = 5 * time.Second
	}
	if c.Bus.RequiredAcks == 0 {
		c.Bus.RequiredAcks = 1
	}
}
