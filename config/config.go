package config

import (
	"github.com/conveyorhq/conveyor/persistence/postgres"
	"github.com/conveyorhq/conveyor/persistence/redis"
)

type StorageType string

const STORAGE_TYPE_INMEM StorageType = "memory"
const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_POSTGRES StorageType = "postgres"

type Config struct {
	HttpPort            int
	StorageType         StorageType
	Partitions          int
	BatchSize           int
	PollIntervalMillis  int
	SweepIntervalMillis int
	EventBufferSize     int
	// MaxDelaySeconds bounds the in-memory delay wheel, delays and retries
	// beyond it are not representable on the memory backend.
	MaxDelaySeconds int64
	AuditLogFile    string
	AgentUrl        string
	TaskServiceUrl  string
	// Connectors maps connector names to their HTTP endpoints for
	// integration nodes.
	Connectors     map[string]string
	RedisConfig    redis.Config
	PostgresConfig postgres.Config
}

// WithDefaults fills the zero fields every component needs a value for.
func (c Config) WithDefaults() Config {
	if c.HttpPort == 0 {
		c.HttpPort = 8000
	}
	if c.StorageType == "" {
		c.StorageType = STORAGE_TYPE_INMEM
	}
	if c.Partitions < 1 {
		c.Partitions = 4
	}
	if c.BatchSize < 1 {
		c.BatchSize = 10
	}
	if c.PollIntervalMillis < 1 {
		c.PollIntervalMillis = 100
	}
	if c.SweepIntervalMillis < 1 {
		c.SweepIntervalMillis = 1000
	}
	if c.EventBufferSize < 1 {
		c.EventBufferSize = 1024
	}
	if c.MaxDelaySeconds < 1 {
		c.MaxDelaySeconds = 86400
	}
	return c
}
