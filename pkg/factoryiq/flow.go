package factoryiq

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/app/config"
)

// Flow is a builder that reads as Conf → StreamIN → StreamOUT: which servers
// to subscribe, then where the history goes. It works on its own copy of the
// configuration.
type Flow struct {
	cfg  *Config
	opts []Option
	err  error
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// StreamInOption configures the acquisition side: servers and dialer.
type StreamInOption func(*Flow)

// StreamOutOption configures the history table or replaces the store.
type StreamOutOption func(*Flow)

// Conf loads YAML from disk, applies FlowOption values, and returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config. cfg itself is
// not modified.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	c := *cfg
	c.Servers = append([]ServerConfig(nil), cfg.Servers...)
	f := &Flow{cfg: &c}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the configuration the runtime will be built from.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT applies the output options, checks the server set and builds a
// Runtime ready to run.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if err := config.ValidateServers(f.cfg.Servers); err != nil {
		return nil, err
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run is a shortcut for StreamOUT + runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions appends Option values during Conf.
func WithFlowOptions(opts ...Option) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// StreamInServer adds servers to the subscription set.
func StreamInServer(servers ...ServerConfig) StreamInOption {
	return func(f *Flow) {
		if f == nil {
			return
		}
		for _, srv := range servers {
			srv.ApplyDefaults()
			f.cfg.Servers = append(f.cfg.Servers, srv)
		}
	}
}

// StreamInServersFile adds the servers listed in a management snapshot.
func StreamInServersFile(path string) StreamInOption {
	return func(f *Flow) {
		if f == nil {
			return
		}
		servers, err := LoadServers(path)
		if err != nil {
			f.err = errors.Join(f.err, err)
			return
		}
		StreamInServer(servers...)(f)
	}
}

// StreamInDialer injects a custom dialer (simulators, other protocols).
func StreamInDialer(d Dialer) StreamInOption {
	return func(f *Flow) {
		if f != nil && d != nil {
			f.appendOptions(WithDialer(d))
		}
	}
}

// StreamOutTable writes history into table instead of the configured one.
func StreamOutTable(table string) StreamOutOption {
	return func(f *Flow) {
		if f != nil && table != "" {
			f.cfg.Database.Table = table
		}
	}
}

// StreamOutSQLite writes history into a local SQLite file.
func StreamOutSQLite(path string) StreamOutOption {
	return func(f *Flow) {
		if f == nil {
			return
		}
		f.cfg.Database.Driver = "sqlite"
		f.cfg.Database.DSN = ""
		f.cfg.Database.Name = path
	}
}

// StreamOutStore injects a custom Store instead of the configured database.
func StreamOutStore(s Store) StreamOutOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithStore(s))
		}
	}
}

// StreamOutCallback installs a store built from a simple callback function.
func StreamOutCallback(name string, fn SampleBatchFunc) StreamOutOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithStore(NewCallbackStore(name, fn)))
		}
	}
}

func (f *Flow) appendOptions(opts ...Option) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
