package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/exp-platform/core/internal/config"
)

func TestFillDefaultsLeavesExplicitValuesAlone(t *testing.T) {
	cfg := config.Config{}
	cfg.Admin.Addr = ":9999"
	cfg.Hash.BucketSize = 5000
	cfg.Hash.Seed = "rotated"
	cfg.FillDefaults()

	assert.Equal(t, ":9999", cfg.Admin.Addr)
	assert.Equal(t, 5000, cfg.Hash.BucketSize)
	assert.Equal(t, "rotated", cfg.Hash.Seed)
}

func TestFillDefaultsAppliesZeroValueDefaults(t *testing.T) {
	var cfg config.Config
	cfg.FillDefaults()

	assert.Equal(t, ":6060", cfg.Admin.Addr)
	assert.Equal(t, 20, cfg.Postgres.MaxOpenConns)
	assert.Equal(t, 5, cfg.Postgres.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, cfg.Postgres.ConnMaxLifetime)
	assert.Equal(t, 5*time.Second, cfg.Postgres.StatementTimeout)
	assert.Equal(t, 10000, cfg.Hash.BucketSize)
	assert.Equal(t, "default", cfg.Hash.Seed)
	assert.Equal(t, 5*time.Second, cfg.Bus.ProduceTimeout)
	assert.Equal(t, int16(1), cfg.Bus.RequiredAcks)
}

func TestValidateRequiresPostgresDSNTemplate(t *testing.T) {
	cfg := config.Config{}
	cfg.FillDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsnTemplate")
}

func TestValidateRequiresPositiveBucketSize(t *testing.T) {
	cfg := config.Config{}
	cfg.Postgres.DSNTemplate = "postgres://{{.user}}@db/exp"
	cfg.FillDefaults()
	cfg.Hash.BucketSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucketSize")
}

func TestValidateRequiresBusTopics(t *testing.T) {
	cfg := config.Config{}
	cfg.Postgres.DSNTemplate = "postgres://{{.user}}@db/exp"
	cfg.FillDefaults()
	cfg.Bus.AssignmentsTopic = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.assignmentsTopic")
}

func TestValidateAcceptsAFullyDefaultedConfig(t *testing.T) {
	cfg := config.Config{}
	cfg.Postgres.DSNTemplate = "postgres://{{.user}}@db/exp"
	cfg.Bus.AssignmentsTopic = "assignments"
	cfg.Bus.EventsTopic = "events"
	cfg.FillDefaults()
	assert.NoError(t, cfg.Validate())
}

func TestConfigUnmarshalsFromYAML(t *testing.T) {
	raw := []byte(`
postgres:
  dsnTemplate: "postgres://{{.user}}:{{.password}}@db/exp"
  dsnSecretKey: "postgres/primary"
hash:
  bucketSize: 20000
  seed: "v2"
bus:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  assignmentsTopic: "assignments"
  eventsTopic: "events"
`)
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(raw, &cfg))

	assert.Equal(t, "postgres/primary", cfg.Postgres.DSNSecretKey)
	assert.Equal(t, 20000, cfg.Hash.BucketSize)
	assert.Equal(t, "v2", cfg.Hash.Seed)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Bus.Brokers)
}
