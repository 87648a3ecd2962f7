package ports

import (
	"context"
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
)

// Dialer opens a subscribed session against one server. Samples for the
// subscribed tags are sent on out until the session is closed.
// On any error the dialer must release everything it created.
type Dialer interface {
	Dial(ctx context.Context, srv domain.ServerConfig, out chan<- *domain.Sample) (Session, error)
}

// Session is one live protocol session with its subscription.
type Session interface {
	// ReadHeartbeat reads the cheap always-present status node and returns
	// the server's clock.
	ReadHeartbeat(ctx context.Context) (time.Time, error)
	// Done is closed once the session has failed; Err then reports why.
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}
