package ports

import (
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
)

// PendingQueue is the deduplicating arrival-ordered buffer between the
// protocol delivery loop and the batch writer.
type PendingQueue interface {
	Insert(s *domain.Sample) bool
	Drain(max int) []*domain.Sample
	Republish(now time.Time, tagIDs []int64) int
	Len() int
	Ready() <-chan struct{}
}
