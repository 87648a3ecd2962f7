package ports

import (
	"context"
	"fmt"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
)

// Store persists one chunk in a single transaction on a connection that is
// opened and closed within the call.
type Store interface {
	WriteChunk(ctx context.Context, samples []*domain.Sample) error
	Name() string
}

// RecordError reports that one record of a chunk was rejected by the
// database. Nothing of the chunk was committed.
type RecordError struct {
	Index int
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d rejected: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
