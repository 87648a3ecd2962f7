// Package session keeps one subscribed protocol session alive per server.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/observability"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/retry"
)

// ErrNotConnected is returned by Heartbeat while no session is up.
var ErrNotConnected = errors.New("session not connected")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateDegraded
	StateReconnecting
	// StateFaulted is terminal until the manager is replaced on reload.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view for health reporting.
type Status struct {
	Server     string    `json:"server"`
	Endpoint   string    `json:"endpoint"`
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
	LastError  string    `json:"last_error,omitempty"`
	Reconnects uint64    `json:"reconnects"`
	AttemptID  string    `json:"attempt_id,omitempty"`
}

type Options struct {
	Server    domain.ServerConfig
	Dialer    ports.Dialer
	Out       chan<- *domain.Sample
	Obs       ports.Observability
	Reconnect retry.Policy
	// CloseTimeout bounds Session.Close on teardown.
	CloseTimeout time.Duration
}

type Manager struct {
	opts Options

	mu         sync.Mutex
	state      State
	since      time.Time
	lastErr    error
	reconnects uint64
	attemptID  string
	sess       ports.Session
	dialCancel context.CancelFunc

	teardown chan string
}

func New(opts Options) *Manager {
	if opts.Obs == nil {
		opts.Obs = observability.NewNop()
	}
	if opts.Reconnect == (retry.Policy{}) {
		opts.Reconnect = retry.ReconnectDefaults()
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}
	return &Manager{
		opts:     opts,
		since:    time.Now(),
		teardown: make(chan string, 1),
	}
}

func (m *Manager) Server() domain.ServerConfig { return m.opts.Server }

// Run drives the connect/subscribe/teardown cycle until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	bo := m.opts.Reconnect.NewBackOff()

	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected, nil)
			return nil
		}
		m.drainTeardown()

		attemptCtx, cancel := context.WithCancel(ctx)
		id := uuid.NewString()
		m.mu.Lock()
		m.dialCancel = cancel
		m.attemptID = id
		m.setStateLocked(StateConnecting, nil)
		m.mu.Unlock()

		sess, err := m.opts.Dialer.Dial(attemptCtx, m.opts.Server, m.opts.Out)
		forced := attemptCtx.Err() != nil && ctx.Err() == nil
		m.mu.Lock()
		m.dialCancel = nil
		m.mu.Unlock()
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected, nil)
				return nil
			}
			if forced {
				m.opts.Obs.LogWarn("opcua_dial_aborted", err, m.fields(id)...)
				m.countReconnect()
				continue
			}
			if retry.ClassOf(err, nil) == retry.ClassSecurity {
				m.setState(StateFaulted, err)
				m.opts.Obs.LogCritical("opcua_security_rejected", err, m.fields(id)...)
				<-ctx.Done()
				return nil
			}

			delay := bo.NextBackOff()
			m.setState(StateDisconnected, err)
			m.opts.Obs.LogWarn("opcua_connect_failed", err, append(m.fields(id),
				ports.Field{Key: "retry_in", Value: delay.String()})...)
			if !m.wait(ctx, delay) {
				m.setState(StateDisconnected, nil)
				return nil
			}
			m.countReconnect()
			continue
		}

		bo.Reset()
		m.mu.Lock()
		m.sess = sess
		m.setStateLocked(StateSubscribed, nil)
		m.mu.Unlock()
		m.opts.Obs.LogInfo("opcua_subscribed", append(m.fields(id),
			ports.Field{Key: "tags", Value: len(m.opts.Server.Tags)})...)

		var (
			reason  string
			sessErr error
		)
		select {
		case <-ctx.Done():
			reason = "shutdown"
		case <-sess.Done():
			reason = "session_failed"
			sessErr = sess.Err()
		case reason = <-m.teardown:
		}

		m.mu.Lock()
		m.sess = nil
		if reason != "shutdown" && reason != "session_failed" {
			m.setStateLocked(StateReconnecting, nil)
		}
		m.mu.Unlock()

		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CloseTimeout)
		if err := sess.Close(closeCtx); err != nil {
			m.opts.Obs.LogWarn("opcua_close_failed", err, m.fields(id)...)
		}
		closeCancel()

		if ctx.Err() != nil {
			m.setState(StateDisconnected, nil)
			m.opts.Obs.LogInfo("opcua_session_closed", m.fields(id)...)
			return nil
		}
		m.countReconnect()

		if reason == "session_failed" {
			m.setState(StateDisconnected, sessErr)
			delay := bo.NextBackOff()
			m.opts.Obs.LogWarn("opcua_session_lost", sessErr, append(m.fields(id),
				ports.Field{Key: "retry_in", Value: delay.String()})...)
			if !m.wait(ctx, delay) {
				m.setState(StateDisconnected, nil)
				return nil
			}
			continue
		}
		m.opts.Obs.LogWarn("opcua_forced_reconnect", nil, append(m.fields(id),
			ports.Field{Key: "reason", Value: reason})...)
	}
}

// ForceReconnect tears down the current session, or aborts a dial in
// progress. Calls while a teardown is already pending are no-ops.
func (m *Manager) ForceReconnect(reason string) {
	m.mu.Lock()
	cancel := m.dialCancel
	if m.state == StateSubscribed {
		m.setStateLocked(StateDegraded, nil)
	}
	m.mu.Unlock()

	select {
	case m.teardown <- reason:
	default:
	}
	if cancel != nil {
		cancel()
	}
}

// MarkDegraded records a failed heartbeat read on a subscribed session.
func (m *Manager) MarkDegraded(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateSubscribed {
		m.setStateLocked(StateDegraded, err)
	}
}

// MarkHealthy clears a degraded state after a successful heartbeat read.
func (m *Manager) MarkHealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDegraded && m.sess != nil {
		m.setStateLocked(StateSubscribed, nil)
	}
}

// Heartbeat reads the server clock through the current session.
func (m *Manager) Heartbeat(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return time.Time{}, ErrNotConnected
	}
	return sess.ReadHeartbeat(ctx)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Server:     m.opts.Server.Name,
		Endpoint:   m.opts.Server.Endpoint,
		State:      m.state.String(),
		Since:      m.since,
		Reconnects: m.reconnects,
		AttemptID:  m.attemptID,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	m.setStateLocked(s, err)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State, err error) {
	if m.state != s {
		m.since = time.Now()
	}
	m.state = s
	if err != nil {
		m.lastErr = err
	} else if s == StateSubscribed {
		m.lastErr = nil
	}
}

func (m *Manager) countReconnect() {
	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()
	m.opts.Obs.IncCounter(ports.MetricReconnects, 1)
}

func (m *Manager) drainTeardown() {
	select {
	case <-m.teardown:
	default:
	}
}

// wait sleeps for d; a forced reconnect cuts the wait short. It reports
// false if ctx ended.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-m.teardown:
	}
	return true
}

func (m *Manager) fields(attemptID string) []ports.Field {
	return []ports.Field{
		{Key: "server", Value: m.opts.Server.Name},
		{Key: "endpoint", Value: m.opts.Server.Endpoint},
		{Key: "attempt_id", Value: attemptID},
	}
}
