// Package factoryiq re-exports pkg/factoryiq so consumers can import the
// module root directly.
package factoryiq

import (
	"context"
	"log/slog"

	base "github.com/Dmitriy6778/FactoryIQ-sub000/pkg/factoryiq"
)

// Re-exported errors for convenience.
var (
	ErrRuntimeClosed      = base.ErrRuntimeClosed
	ErrChannelStoreClosed = base.ErrChannelStoreClosed
)

// Type aliases so consumers can import github.com/Dmitriy6778/FactoryIQ-sub000 directly.
type (
	Config          = base.Config
	ServerConfig    = base.ServerConfig
	TagSubscription = base.TagSubscription
	DatabaseConfig  = base.DatabaseConfig
	SpoolConfig     = base.SpoolConfig
	RetryPolicy     = base.RetryPolicy
	Flow            = base.Flow
	FlowOption      = base.FlowOption
	StreamInOption  = base.StreamInOption
	StreamOutOption = base.StreamOutOption
	Runtime         = base.Runtime
	Option          = base.Option
	Health          = base.Health
	Sample          = base.Sample
	SampleBatchFunc = base.SampleBatchFunc
	Dialer          = base.Dialer
	Session         = base.Session
	Store           = base.Store
	RecordError     = base.RecordError
	Spool           = base.Spool
	SpoolStats      = base.SpoolStats
	Observability   = base.Observability
	Field           = base.Field
	SessionStatus   = base.SessionStatus
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func LoadServers(path string) ([]ServerConfig, error) {
	return base.LoadServers(path)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...Option) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInServer(servers ...ServerConfig) StreamInOption {
	return base.StreamInServer(servers...)
}

func StreamInServersFile(path string) StreamInOption {
	return base.StreamInServersFile(path)
}

func StreamInDialer(d Dialer) StreamInOption {
	return base.StreamInDialer(d)
}

func StreamOutTable(table string) StreamOutOption {
	return base.StreamOutTable(table)
}

func StreamOutSQLite(path string) StreamOutOption {
	return base.StreamOutSQLite(path)
}

func StreamOutStore(s Store) StreamOutOption {
	return base.StreamOutStore(s)
}

func StreamOutCallback(name string, fn SampleBatchFunc) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...Option) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

// Run builds a runtime from cfg and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *Config, opts ...Option) error {
	rt, err := base.NewRuntime(cfg, opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func WithDialer(d Dialer) Option {
	return base.WithDialer(d)
}

func WithStore(s Store) Option {
	return base.WithStore(s)
}

func WithSpool(s Spool) Option {
	return base.WithSpool(s)
}

func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

func WithLogger(l *slog.Logger) Option {
	return base.WithLogger(l)
}

func WithExit(fn func(code int)) Option {
	return base.WithExit(fn)
}

// Store adapters.
func NewCallbackStore(name string, fn SampleBatchFunc) Store {
	return base.NewCallbackStore(name, fn)
}

func NewChannelStore(name string, buffer int) (Store, <-chan []Sample, func()) {
	return base.NewChannelStore(name, buffer)
}
