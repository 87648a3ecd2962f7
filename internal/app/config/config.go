package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/retry"
)

type Config struct {
	Log         LogConfig             `yaml:"log"`
	Metrics     MetricsConfig         `yaml:"metrics"`
	Database    DatabaseConfig        `yaml:"database"`
	ServersFile string                `yaml:"servers_file"`
	Servers     []domain.ServerConfig `yaml:"servers"`
	Session     SessionConfig         `yaml:"session"`
	Heartbeat   HeartbeatConfig       `yaml:"heartbeat"`
	Watchdog    WatchdogConfig        `yaml:"watchdog"`
	Deadman     DeadmanConfig         `yaml:"deadman"`
	Dedup       DedupConfig           `yaml:"dedup"`
	Writer      WriterConfig          `yaml:"writer"`
	Spool       SpoolConfig           `yaml:"spool"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Name           string        `yaml:"name"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	SSLMode        string        `yaml:"sslmode"`
	Table          string        `yaml:"table"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	// StatementTimeout bounds one write attempt; Postgres also enforces it
	// server side.
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
}

type SessionConfig struct {
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	ReconnectJitter  float64       `yaml:"reconnect_jitter"`
	ChannelBuffer    int           `yaml:"channel_buffer"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
}

// ReconnectPolicy is the retry policy for dialing a server; attempts are
// unlimited.
func (s SessionConfig) ReconnectPolicy() retry.Policy {
	return retry.Policy{
		InitialDelay: s.ReconnectInitial,
		MaxDelay:     s.ReconnectMax,
		Multiplier:   2,
		Jitter:       s.ReconnectJitter,
	}
}

type HeartbeatConfig struct {
	Interval    time.Duration `yaml:"interval"`
	NodeID      string        `yaml:"node_id"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"`
}

type WatchdogConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type DeadmanConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	StartupGrace  time.Duration `yaml:"startup_grace"`
	CheckInterval time.Duration `yaml:"check_interval"`
	ExitCode      int           `yaml:"exit_code"`
}

type DedupConfig struct {
	// Epsilon is the absolute tolerance for value equality; 0 is exact.
	Epsilon           float64       `yaml:"epsilon"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type WriterConfig struct {
	Interval       time.Duration `yaml:"interval"`
	FlushThreshold int           `yaml:"flush_threshold"`
	MaxChunk       int           `yaml:"max_chunk"`
	MaxPending     int           `yaml:"max_pending"`
	Retry          retry.Policy  `yaml:"retry"`
}

type SpoolConfig struct {
	Dir                       string        `yaml:"dir"`
	MaxBytes                  int64         `yaml:"max_bytes"`
	Compression               string        `yaml:"compression"`
	ReplayInterval            time.Duration `yaml:"replay_interval"`
	ReplayFilesPerCycle       int           `yaml:"replay_files_per_cycle"`
	MaxLiveCyclesBeforeReplay int           `yaml:"max_live_cycles_before_replay"`
}

// serversSnapshot is the file the management layer writes.
type serversSnapshot struct {
	Servers []domain.ServerConfig `yaml:"servers"`
}

// Load reads the YAML file at path, merges the servers snapshot and the
// environment overrides, then fills defaults and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if cfg.ServersFile != "" {
		servers, err := LoadServers(cfg.ServersFile)
		if err != nil {
			return nil, err
		}
		cfg.Servers = append(cfg.Servers, servers...)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeStrict(raw []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadServers reads a servers snapshot as written by the management layer.
func LoadServers(path string) ([]domain.ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("servers_file: %w", err)
	}
	var snap serversSnapshot
	if err := decodeStrict(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse servers_file %s: %w", path, err)
	}
	return snap.Servers, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9108"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Port == 0 && c.Database.Driver != "sqlite" {
		c.Database.Port = 5432
	}
	if c.Database.Table == "" {
		c.Database.Table = "opc_history"
	}
	if c.Database.ConnectTimeout <= 0 {
		c.Database.ConnectTimeout = 5 * time.Second
	}
	if c.Database.LockTimeout <= 0 {
		c.Database.LockTimeout = 5 * time.Second
	}
	if c.Database.StatementTimeout <= 0 {
		c.Database.StatementTimeout = 30 * time.Second
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 2
	}

	for i := range c.Servers {
		c.Servers[i].ApplyDefaults()
	}

	if c.Session.ReconnectInitial <= 0 {
		c.Session.ReconnectInitial = time.Second
	}
	if c.Session.ReconnectMax <= 0 {
		c.Session.ReconnectMax = time.Minute
	}
	if c.Session.ReconnectJitter == 0 {
		c.Session.ReconnectJitter = 0.25
	}
	if c.Session.ChannelBuffer <= 0 {
		c.Session.ChannelBuffer = 1024
	}
	if c.Session.CloseTimeout <= 0 {
		c.Session.CloseTimeout = 5 * time.Second
	}

	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 10 * time.Second
	}
	if c.Heartbeat.NodeID == "" {
		c.Heartbeat.NodeID = "i=2258"
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = c.Heartbeat.Interval / 2
	}
	if c.Heartbeat.MaxFailures <= 0 {
		c.Heartbeat.MaxFailures = 3
	}

	if c.Watchdog.Timeout <= 0 {
		c.Watchdog.Timeout = 60 * time.Second
	}
	if c.Watchdog.CheckInterval <= 0 {
		c.Watchdog.CheckInterval = 5 * time.Second
	}

	if c.Deadman.Timeout <= 0 {
		c.Deadman.Timeout = 10 * time.Minute
	}
	if c.Deadman.StartupGrace <= 0 {
		c.Deadman.StartupGrace = 15 * time.Minute
	}
	if c.Deadman.CheckInterval <= 0 {
		c.Deadman.CheckInterval = 10 * time.Second
	}
	if c.Deadman.ExitCode == 0 {
		c.Deadman.ExitCode = 3
	}

	if c.Dedup.HeartbeatInterval <= 0 {
		c.Dedup.HeartbeatInterval = time.Minute
	}

	if c.Writer.Interval <= 0 {
		c.Writer.Interval = time.Second
	}
	if c.Writer.MaxChunk <= 0 {
		c.Writer.MaxChunk = 500
	}
	if c.Writer.FlushThreshold <= 0 {
		c.Writer.FlushThreshold = c.Writer.MaxChunk
	}
	if c.Writer.MaxPending <= 0 {
		c.Writer.MaxPending = 100_000
	}
	c.Writer.Retry = mergeRetry(c.Writer.Retry, retry.WriterDefaults())

	if c.Spool.Dir == "" {
		c.Spool.Dir = "./data/spool"
	}
	if c.Spool.MaxBytes == 0 {
		c.Spool.MaxBytes = 1 << 30
	}
	if c.Spool.Compression == "" {
		c.Spool.Compression = "zstd"
	}
	if c.Spool.ReplayInterval <= 0 {
		c.Spool.ReplayInterval = 5 * time.Second
	}
	if c.Spool.ReplayFilesPerCycle <= 0 {
		c.Spool.ReplayFilesPerCycle = 2
	}
	if c.Spool.MaxLiveCyclesBeforeReplay <= 0 {
		c.Spool.MaxLiveCyclesBeforeReplay = 10
	}
}

func mergeRetry(p, def retry.Policy) retry.Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Deadline == 0 {
		p.Deadline = def.Deadline
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter == 0 {
		p.Jitter = def.Jitter
	}
	return p
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "pgx":
		if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.Name == "") {
			return errors.New("database: dsn or host and name are required")
		}
	case "sqlite":
		if c.Database.DSN == "" && c.Database.Name == "" {
			return errors.New("database: sqlite needs name (file path) or dsn")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of postgres, pgx, sqlite", c.Database.Driver)
	}

	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured (servers or servers_file)")
	}
	if err := ValidateServers(c.Servers); err != nil {
		return err
	}

	if c.Session.ReconnectMax < c.Session.ReconnectInitial {
		return errors.New("session.reconnect_max must be >= session.reconnect_initial")
	}
	if c.Heartbeat.Timeout > c.Heartbeat.Interval {
		return errors.New("heartbeat.timeout must not exceed heartbeat.interval")
	}
	if c.Watchdog.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("watchdog.timeout (%s) must exceed heartbeat.interval (%s)", c.Watchdog.Timeout, c.Heartbeat.Interval)
	}
	if c.Database.LockTimeout > c.Database.StatementTimeout {
		return errors.New("database.lock_timeout must not exceed database.statement_timeout")
	}
	// The last attempt may start just before the retry deadline.
	if longest := c.Writer.Retry.Deadline + c.Database.ConnectTimeout + c.Database.StatementTimeout; c.Deadman.Timeout <= longest {
		return fmt.Errorf("deadman.timeout (%s) must exceed writer.retry.deadline plus one write attempt (%s)", c.Deadman.Timeout, longest)
	}
	if c.Dedup.Epsilon < 0 {
		return errors.New("dedup.epsilon cannot be negative")
	}
	if c.Writer.MaxPending < c.Writer.MaxChunk {
		return errors.New("writer.max_pending must be >= writer.max_chunk")
	}
	if err := c.Writer.Retry.Validate(); err != nil {
		return fmt.Errorf("writer.retry: %w", err)
	}
	if c.Spool.MaxBytes < 0 {
		return errors.New("spool.max_bytes cannot be negative")
	}
	switch c.Spool.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("spool.compression %q is not one of none, zstd", c.Spool.Compression)
	}
	return nil
}

// Policy is the queue and writer cadence view of the configuration.
func (c *Config) Policy() ports.Policy {
	return ports.Policy{
		Interval:                  c.Writer.Interval,
		FlushThreshold:            c.Writer.FlushThreshold,
		MaxChunk:                  c.Writer.MaxChunk,
		MaxPending:                c.Writer.MaxPending,
		ReplayInterval:            c.Spool.ReplayInterval,
		ReplayFilesPerCycle:       c.Spool.ReplayFilesPerCycle,
		MaxLiveCyclesBeforeReplay: c.Spool.MaxLiveCyclesBeforeReplay,
	}
}

// ValidateServers checks each server and that names and tag ids are unique
// across the set.
func ValidateServers(servers []domain.ServerConfig) error {
	names := make(map[string]struct{}, len(servers))
	tags := make(map[int64]string)
	for i := range servers {
		srv := &servers[i]
		if err := srv.Validate(); err != nil {
			return err
		}
		if _, dup := names[srv.Name]; dup {
			return fmt.Errorf("duplicate server name %q", srv.Name)
		}
		names[srv.Name] = struct{}{}
		for _, t := range srv.Tags {
			if other, dup := tags[t.TagID]; dup {
				return fmt.Errorf("tag_id %d is subscribed on both %q and %q", t.TagID, other, srv.Name)
			}
			tags[t.TagID] = srv.Name
		}
	}
	return nil
}
