package factoryiq

import (
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/app/config"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/retry"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// ServerConfig is one OPC UA server and the tags subscribed on it.
	ServerConfig = domain.ServerConfig
	// TagSubscription binds a historian tag to a node.
	TagSubscription = domain.TagSubscription
	LogConfig       = config.LogConfig
	MetricsConfig   = config.MetricsConfig
	// DatabaseConfig configures the SQL store (postgres, pgx or sqlite).
	DatabaseConfig  = config.DatabaseConfig
	SessionConfig   = config.SessionConfig
	HeartbeatConfig = config.HeartbeatConfig
	WatchdogConfig  = config.WatchdogConfig
	DeadmanConfig   = config.DeadmanConfig
	DedupConfig     = config.DedupConfig
	WriterConfig    = config.WriterConfig
	SpoolConfig     = config.SpoolConfig
	// RetryPolicy shapes the writer's retry loop.
	RetryPolicy = retry.Policy
)

// LoadConfig loads YAML from disk, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// LoadServers reads a servers snapshot file (the `servers:` list the
// management layer writes).
func LoadServers(path string) ([]ServerConfig, error) {
	return config.LoadServers(path)
}
