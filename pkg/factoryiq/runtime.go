package factoryiq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/observability"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/opcua"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/queue"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/sink"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/spool"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/app/pipeline"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/app/session"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/app/supervisor"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
)

// ErrRuntimeClosed is returned by Run on a runtime that already ran.
var ErrRuntimeClosed = errors.New("factoryiq: runtime already ran")

// Option customizes the dependencies used by Runtime.
type Option func(*runtimeOverrides)

type runtimeOverrides struct {
	dialer        Dialer
	store         Store
	spool         Spool
	observability Observability
	logger        *slog.Logger
	exit          func(code int)
}

// WithDialer replaces the OPC UA dialer, e.g. with a simulator.
func WithDialer(d Dialer) Option {
	return func(o *runtimeOverrides) {
		o.dialer = d
	}
}

// WithStore sends committed chunks somewhere other than the configured database.
func WithStore(s Store) Option {
	return func(o *runtimeOverrides) {
		o.store = s
	}
}

// WithSpool lets callers bring their own durable spool.
func WithSpool(s Spool) Option {
	return func(o *runtimeOverrides) {
		o.spool = s
	}
}

// WithObservability plugs in a custom observability backend. The /metrics
// endpoint then only exposes the Go runtime collectors.
func WithObservability(obs Observability) Option {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithLogger sets the logger behind the default Prometheus observability.
func WithLogger(l *slog.Logger) Option {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithExit replaces the process exit used by the deadman.
func WithExit(fn func(code int)) Option {
	return func(o *runtimeOverrides) {
		o.exit = fn
	}
}

// Runtime owns the collector pipeline: one session manager, heartbeat and
// watchdog per server feeding the dedup queue, plus the batch writer, spool
// and deadman shared by all servers. It is built once per process; Reload
// replaces only the per-server part.
type Runtime struct {
	cfg      *Config
	obs      ports.Observability
	registry *prometheus.Registry
	queue    *queue.DedupQueue
	spool    ports.Spool
	store    ports.Store
	dialer   ports.Dialer
	writer   *pipeline.BatchWriter
	deadman  *supervisor.Deadman
	samples  chan *domain.Sample
	closers  []io.Closer
	reload   chan *Config

	mu       sync.Mutex
	managers []*session.Manager
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

// NewRuntime bootstraps the default adapters (OPC UA dialer, SQL store,
// file spool, Prometheus observability). Options override any of them.
func NewRuntime(cfg *Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	rt := &Runtime{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		reload:   make(chan *Config, 1),
		done:     make(chan struct{}),
	}
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt.obs = overrides.observability
	if rt.obs == nil {
		logger := overrides.logger
		if logger == nil {
			logger = observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		}
		rt.obs = observability.NewPromObs(rt.registry, logger)
	}

	if err := rt.buildStore(overrides.store); err != nil {
		return nil, err
	}
	if err := rt.buildSpool(overrides.spool); err != nil {
		_ = rt.closeAll()
		return nil, err
	}

	rt.dialer = overrides.dialer
	if rt.dialer == nil {
		d, err := opcua.NewDialer(rt.obs, cfg.Heartbeat.NodeID)
		if err != nil {
			_ = rt.closeAll()
			return nil, err
		}
		rt.dialer = d
	}

	rt.deadman = supervisor.NewDeadman(supervisor.DeadmanOptions{
		Timeout:       cfg.Deadman.Timeout,
		StartupGrace:  cfg.Deadman.StartupGrace,
		CheckInterval: cfg.Deadman.CheckInterval,
		ExitCode:      cfg.Deadman.ExitCode,
		Exit:          overrides.exit,
	}, rt.obs)

	policy := cfg.Policy()
	rt.queue = queue.NewDedupQueue(queue.Options{
		MaxPending:        policy.MaxPending,
		FlushThreshold:    policy.FlushThreshold,
		HeartbeatInterval: cfg.Dedup.HeartbeatInterval,
		Epsilon:           cfg.Dedup.Epsilon,
		Overflow: func(evicted []*domain.Sample) {
			rt.writer.SpoolEvicted(evicted)
		},
	})
	rt.writer = pipeline.NewBatchWriter(pipeline.WriterOptions{
		Queue:    rt.queue,
		Store:    rt.store,
		Spool:    rt.spool,
		Deadman:  rt.deadman,
		Policy:   policy,
		Retry:    cfg.Writer.Retry,
		Classify: sink.Classify,
		Obs:      rt.obs,

		AttemptTimeout: cfg.Database.ConnectTimeout + cfg.Database.StatementTimeout,
	})

	buffer := cfg.Session.ChannelBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	rt.samples = make(chan *domain.Sample, buffer)
	return rt, nil
}

func (rt *Runtime) buildStore(override ports.Store) error {
	if override != nil {
		rt.store = override
		return nil
	}
	db := rt.cfg.Database
	dsn, err := sink.BuildDSN(sink.DSNParams{
		Driver:         db.Driver,
		DSN:            db.DSN,
		Host:           db.Host,
		Port:           db.Port,
		Name:           db.Name,
		User:           db.User,
		Password:       db.Password,
		SSLMode:        db.SSLMode,
		ConnectTimeout: db.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	conn, err := sink.Open(db.Driver, dsn, db.MaxOpenConns)
	if err != nil {
		return err
	}
	store, err := sink.NewSQLStore(conn, sink.Options{
		Driver:           db.Driver,
		Table:            db.Table,
		ConnectTimeout:   db.ConnectTimeout,
		LockTimeout:      db.LockTimeout,
		StatementTimeout: db.StatementTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	rt.closers = append(rt.closers, conn)
	rt.store = store
	return nil
}

func (rt *Runtime) buildSpool(override ports.Spool) error {
	if override != nil {
		rt.spool = override
		return nil
	}
	fs, err := spool.NewFileSpool(spool.Options{
		Dir:         rt.cfg.Spool.Dir,
		MaxBytes:    rt.cfg.Spool.MaxBytes,
		Compression: rt.cfg.Spool.Compression,
		Obs:         rt.obs,
	})
	if err != nil {
		return err
	}
	rt.spool = fs
	rt.closers = append(rt.closers, fs)
	return nil
}

// Run starts every component and blocks until ctx is cancelled, Shutdown is
// called or a component fails. Sessions are stopped first so the final
// flush sees everything they delivered.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return ErrRuntimeClosed
	}
	rt.started = true
	ctx, rt.cancel = context.WithCancel(ctx)
	rt.mu.Unlock()
	defer close(rt.done)
	defer rt.cancel()

	g, gctx := errgroup.WithContext(ctx)
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(gctx))
	defer stopWriter()

	if err := rt.startMetrics(gctx, g); err != nil {
		stopWriter()
		rt.cancel()
		_ = g.Wait()
		return errors.Join(err, rt.closeAll())
	}
	g.Go(func() error { return rt.writer.Run(writerCtx) })
	g.Go(func() error { return rt.deadman.Run(gctx) })
	g.Go(func() error {
		defer stopWriter()
		return rt.runSessions(gctx)
	})

	rt.obs.LogInfo("runtime_started",
		ports.Field{Key: "servers", Value: len(rt.cfg.Servers)},
		ports.Field{Key: "store", Value: rt.store.Name()})

	err := g.Wait()
	if cerr := rt.closeAll(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	rt.obs.LogInfo("runtime_stopped")
	return err
}

// Shutdown stops a running runtime and waits for the final flush, or for
// ctx to expire.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	cancel, started := rt.cancel, rt.started
	rt.mu.Unlock()
	if !started {
		return rt.closeAll()
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload replaces the server set and the per-server settings. Database,
// spool and writer settings take effect only after a restart. A pending
// reload that was not applied yet is superseded.
func (rt *Runtime) Reload(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	for {
		select {
		case rt.reload <- cfg:
			return nil
		default:
		}
		select {
		case <-rt.reload:
		default:
		}
	}
}

// Ingest hands a sample from an embedded producer to the dedup queue, as if
// it had arrived on a subscription. It reports whether the sample was
// forwarded.
func (rt *Runtime) Ingest(s *Sample) bool {
	if err := s.Validate(); err != nil {
		rt.obs.LogWarn("ingest_rejected", err)
		rt.obs.IncCounter(ports.MetricRecordsDropped, 1)
		return false
	}
	rt.obs.IncCounter(ports.MetricSamplesReceived, 1)
	if !rt.queue.Insert(s) {
		rt.obs.IncCounter(ports.MetricSamplesSuppressed, 1)
		return false
	}
	return true
}

// Sessions returns the current state of every server session.
func (rt *Runtime) Sessions() []SessionStatus {
	rt.mu.Lock()
	managers := rt.managers
	rt.mu.Unlock()
	out := make([]SessionStatus, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Status())
	}
	return out
}

// Health is the /healthz payload.
type Health struct {
	Healthy     bool            `json:"healthy"`
	Servers     []SessionStatus `json:"servers"`
	QueueLength int             `json:"queue_length"`
	Spool       SpoolHealth     `json:"spool"`
	LastCommit  *time.Time      `json:"last_commit,omitempty"`
}

type SpoolHealth struct {
	Files        int    `json:"files"`
	SizeBytes    int64  `json:"size_bytes"`
	DroppedFiles uint64 `json:"dropped_files"`
}

// Health reports healthy when every server session is subscribed.
func (rt *Runtime) Health() Health {
	st := rt.spool.Stats()
	h := Health{
		Healthy:     true,
		Servers:     rt.Sessions(),
		QueueLength: rt.queue.Len(),
		Spool: SpoolHealth{
			Files:        st.Files,
			SizeBytes:    st.SizeBytes,
			DroppedFiles: st.DroppedFiles,
		},
	}
	for _, s := range h.Servers {
		if s.State != session.StateSubscribed.String() {
			h.Healthy = false
		}
	}
	if t, ok := rt.deadman.LastCommit(); ok {
		h.LastCommit = &t
	}
	return h
}

// Handler serves /metrics and /healthz.
func (rt *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := rt.Health()
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	return mux
}

// Config returns the configuration of the current server generation.
func (rt *Runtime) Config() *Config {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cfg
}

func (rt *Runtime) startMetrics(ctx context.Context, g *errgroup.Group) error {
	if rt.cfg.Metrics.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", rt.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// runSessions runs one server generation at a time, replacing it on reload.
func (rt *Runtime) runSessions(ctx context.Context) error {
	cfg := rt.Config()
	for {
		genCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- rt.runGeneration(genCtx, cfg) }()

		select {
		case <-ctx.Done():
			cancel()
			return <-done
		case err := <-done:
			cancel()
			return err
		case next := <-rt.reload:
			cancel()
			if err := <-done; err != nil {
				return err
			}
			cfg = next
			rt.mu.Lock()
			rt.cfg = next
			rt.mu.Unlock()
			rt.obs.LogInfo("config_reloaded", ports.Field{Key: "servers", Value: len(next.Servers)})
		}
	}
}

func (rt *Runtime) runGeneration(ctx context.Context, cfg *Config) error {
	g, gctx := errgroup.WithContext(ctx)
	live := make(pipeline.LivenessByTag)
	managers := make([]*session.Manager, 0, len(cfg.Servers))
	now := time.Now()

	for _, srv := range cfg.Servers {
		l := supervisor.NewLiveness(now)
		tagIDs := srv.TagIDs()
		for _, id := range tagIDs {
			live[id] = l
		}
		m := session.New(session.Options{
			Server:       srv,
			Dialer:       rt.dialer,
			Out:          rt.samples,
			Obs:          rt.obs,
			Reconnect:    cfg.Session.ReconnectPolicy(),
			CloseTimeout: cfg.Session.CloseTimeout,
		})
		hb := supervisor.NewHeartbeatMonitor(srv.Name, tagIDs, m, l, rt.queue, supervisor.HeartbeatOptions{
			Interval:    cfg.Heartbeat.Interval,
			Timeout:     cfg.Heartbeat.Timeout,
			MaxFailures: cfg.Heartbeat.MaxFailures,
		}, rt.obs)
		wd := supervisor.NewWatchdog(srv.Name, l, m, cfg.Watchdog.Timeout, cfg.Watchdog.CheckInterval, rt.obs)

		managers = append(managers, m)
		g.Go(func() error { return m.Run(gctx) })
		g.Go(func() error { return hb.Run(gctx) })
		g.Go(func() error { return wd.Run(gctx) })
	}

	// Delivery outlives the sessions so samples they buffered before closing
	// still reach the queue ahead of the writer's final flush.
	deliveryCtx, stopDelivery := context.WithCancel(context.WithoutCancel(ctx))
	delivered := make(chan error, 1)
	go func() {
		delivered <- pipeline.RunDelivery(deliveryCtx, rt.samples, rt.queue, live, rt.obs)
	}()

	rt.mu.Lock()
	rt.managers = managers
	rt.mu.Unlock()

	// A generation without servers still serves Ingest until cancelled.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()
	stopDelivery()
	return errors.Join(err, <-delivered)
}

func (rt *Runtime) closeAll() error {
	rt.mu.Lock()
	closers := rt.closers
	rt.closers = nil
	rt.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
