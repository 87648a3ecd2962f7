package ports

import "github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"

// SpoolSeq orders spool files; replay always starts at the lowest.
type SpoolSeq uint64

// SpoolBatch is one durable spool file decoded for replay.
type SpoolBatch struct {
	Seq     SpoolSeq
	BatchID string
	Samples []*domain.Sample
}

// Spool is the durable fallback queue used while the database is unreachable.
type Spool interface {
	// Append returns only once the batch is on stable storage.
	Append(samples []*domain.Sample) (SpoolSeq, error)
	// Oldest returns the lowest-sequence batch, or ok=false if empty.
	Oldest() (batch SpoolBatch, ok bool, err error)
	// Ack removes a batch after its contents were committed.
	Ack(seq SpoolSeq) error
	Stats() SpoolStats
}

type SpoolStats struct {
	Files        int
	SizeBytes    int64
	OldestSeq    SpoolSeq
	LatestSeq    SpoolSeq
	DroppedFiles uint64
}
