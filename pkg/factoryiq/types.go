package factoryiq

import (
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/app/session"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
)

// Sample is one historized value: tag id, numeric value, source timestamp
// and OPC UA status code.
type Sample = domain.Sample

// Dialer opens subscribed sessions against a server. Replace it to feed the
// pipeline from simulators or other protocols.
type Dialer = ports.Dialer

// Session is one live subscription returned by a Dialer.
type Session = ports.Session

// Store persists one chunk per transaction.
type Store = ports.Store

// RecordError lets a Store point at the one record the database rejected.
type RecordError = ports.RecordError

// Spool is the durable queue used while the store is unreachable.
type Spool = ports.Spool

type SpoolStats = ports.SpoolStats

// Observability emits the collector's logs and metrics.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// SessionStatus is the health view of one server session.
type SessionStatus = session.Status
